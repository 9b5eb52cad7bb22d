// Package store is the durable home for memories, their append-only audit
// trail, and the retrieval access log.
package store

import (
	"context"
	"errors"
)

// ErrDuplicateContentHash is returned by AddMemory when a memory with the
// same content hash already exists. Callers redirect to the update path.
var ErrDuplicateContentHash = errors.New("store: duplicate content hash")

// ErrNotFound is returned when a memory id does not exist.
var ErrNotFound = errors.New("store: memory not found")

// SimilarQuery selects active memories by vector similarity.
// Scopes and Types are optional filters; Limit caps the result count.
type SimilarQuery struct {
	Vector []float32
	Scopes []string
	Types  []MemoryType
	Limit  int
}

// Store is the memory storage contract. Every write appends exactly one
// history row; history rows are never mutated or deleted.
type Store interface {
	// AddMemory inserts a new active memory and appends an ADD history row
	// with a nil old content. Returns ErrDuplicateContentHash on a
	// content-hash conflict.
	AddMemory(ctx context.Context, m *Memory) error

	// UpdateMemory replaces a memory's content (and optionally refreshes
	// embedding, confidence and importance), bumps updated_at, and appends
	// an UPDATE history row carrying both old and new content.
	UpdateMemory(ctx context.Context, id string, upd MemoryUpdate) error

	// DeleteMemory soft-deletes a memory and appends a DELETE history row.
	// Deleting an already-deleted memory is a no-op: observable state is
	// unchanged and no second history row is written.
	DeleteMemory(ctx context.Context, id string) error

	// GetMemory returns a memory by id, or ErrNotFound.
	GetMemory(ctx context.Context, id string) (*Memory, error)

	// GetByContentHash returns the memory with the given content hash, or
	// ErrNotFound.
	GetByContentHash(ctx context.Context, hash string) (*Memory, error)

	// SearchSimilar returns active memories ranked by cosine similarity to
	// the query vector, most similar first.
	SearchSimilar(ctx context.Context, q SimilarQuery) ([]ScoredMemory, error)

	// History returns the audit rows for a memory in insertion order.
	History(ctx context.Context, memoryID string) ([]HistoryEntry, error)

	// AppendAccess appends one access-log row.
	AppendAccess(ctx context.Context, e *AccessLogEntry) error

	// Stats returns aggregate counts.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// MemoryUpdate carries the new values for UpdateMemory. Content is
// required; zero-valued optional fields leave the stored value unchanged.
type MemoryUpdate struct {
	Content    string
	Embedding  []float32
	Confidence float64
	Importance Importance
}
