// Package oplog is the durable client-side operation journal.
//
// Envelopes are stored in bbolt, one bucket per namespace. Pending
// envelopes survive restarts and are listed to the sync engine in
// timestamp order; synced envelopes are retained for replay protection
// and are never rewritten by id remapping.
package oplog
