// Package replica holds the client's in-memory copy of a bookmark tree.
//
// Mutations apply optimistically before the server confirms them, with
// the same validation and ordering rules the server enforces, so the UI
// can render immediately and a confirmed batch produces no visible
// change. Updates resolve by last-writer-wins on the updatedAt stamp.
package replica
