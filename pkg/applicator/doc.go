// Package applicator applies client operation batches to the durable tree.
//
// Each envelope is checked against its idempotency record, validated,
// applied in one store transaction and published to the broker. Temporary
// ids minted offline are mapped to server ids as the batch progresses, so
// later envelopes in the same batch may reference nodes created by
// earlier ones. A failed envelope never aborts the rest of its batch.
package applicator
