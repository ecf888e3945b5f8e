// Package store persists bookmark trees and applied-envelope records.
//
// Trees live in Badger under namespace-prefixed keys. Every write runs in
// a single transaction, and the envelope records that make replayed
// batches idempotent are written in the same transaction as the node
// changes they guard.
package store
