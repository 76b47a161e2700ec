package storage

import "context"

// Store defines the interface for memory store backends.
//
// Every public write is one transaction: readers observe either the pre-state
// or the post-state, never a partial write. Both bundled backends (SQLite,
// PostgreSQL) keep the document fields and the embedding in the same row, so
// the document/vector consistency invariant holds without a write-ahead log.
type Store interface {
	// Insert persists a new memory and returns its assigned DocID.
	//
	// The store assigns DocID values that are strictly increasing in
	// insertion order and never reused. rec.DocID is ignored on input.
	// Returns ErrDimensionMismatch if the embedding has the wrong length.
	Insert(ctx context.Context, rec *Record) (int64, error)

	// Get retrieves a memory by DocID. Returns ErrNotFound if absent.
	Get(ctx context.Context, docID int64) (*Record, error)

	// GetMany retrieves the given memories, keyed by DocID. Absent ids are
	// simply missing from the result, not an error.
	GetMany(ctx context.Context, docIDs []int64) (map[int64]*Record, error)

	// Update patches metadata fields of a memory in place, atomically.
	// Returns ErrNotFound if the memory does not exist.
	Update(ctx context.Context, docID int64, patch Patch) error

	// ReplaceContent models a content edit as delete + insert: the old
	// record is removed, a new record is inserted carrying the new content
	// and embedding plus an EditedFrom back-reference to the old DocID.
	// Both halves commit in one transaction. Returns the new DocID.
	ReplaceContent(ctx context.Context, docID int64, content string, embedding []float64) (int64, error)

	// DeleteMany removes the given memories, documents and vectors together,
	// in one transaction. Absent ids are skipped. Returns the number of
	// memories actually deleted.
	DeleteMany(ctx context.Context, docIDs []int64) (int, error)

	// DeleteAll removes every memory in one transaction.
	DeleteAll(ctx context.Context) error

	// Scan walks matching memories in ascending DocID order, invoking fn
	// once per page of at most pageSize records. Each page is a
	// point-in-time snapshot; rows deleted mid-scan are absent from later
	// pages. The scan stops early if fn returns an error or ctx is done.
	Scan(ctx context.Context, pageSize int, filter Filter, fn PageFunc) error

	// DenseSearch returns up to k memories matching the filter, ranked by
	// cosine similarity to the query embedding, normalized to [0, 1].
	DenseSearch(ctx context.Context, embedding []float64, k int, filter Filter) ([]SearchHit, error)

	// Touch sets LastAccessTime to now (unix seconds) and increments
	// AccessCount for each id present. Absent ids are skipped.
	Touch(ctx context.Context, docIDs []int64, now int64) error

	// CountByStatus returns the number of memories per lifecycle state.
	CountByStatus(ctx context.Context) (StatusCounts, error)

	// Dimensions returns the embedding dimension the store was opened with.
	Dimensions() int

	// Close closes the store and releases resources.
	Close() error
}
