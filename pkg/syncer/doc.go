// Package syncer drains journaled operations to the server.
//
// Local mutations are applied optimistically to the in-memory replica and
// appended to the durable journal as pending envelopes. A short batch
// window coalesces bursts into one POST; at most one batch per namespace
// is in flight. Envelope failures retry on a fixed delay schedule up to a
// retry budget, transport failures back off and never mutate envelope
// status, and temporary ids assigned offline are remapped everywhere once
// the server answers with real ones.
package syncer
