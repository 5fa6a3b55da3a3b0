package types

import "time"

// AuditEntry is one record in the append-only, hash-chained audit log.
// EntryHash covers PrevHash, Action, PayloadDigest, and Timestamp, so any
// historical edit breaks chain verification.
type AuditEntry struct {
	ID            string    `json:"id"`             // ULID; lexically append-ordered
	Timestamp     time.Time `json:"timestamp"`
	Action        string    `json:"action"`         // Mutating operation name, e.g. "node.create"
	PayloadDigest string    `json:"payload_digest"` // SHA-256 of the operation payload
	PrevHash      string    `json:"previous_entry_hash"`
	EntryHash     string    `json:"entry_hash"`
}
