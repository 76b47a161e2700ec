// Package embedder defines the embedding provider contract and a TTL'd
// caching wrapper.
//
// An embedding provider turns text into dense vectors for similarity search.
// The retrieval layer only depends on the Provider interface, so providers can
// be swapped and composed (see CachedProvider).
package embedder

import "context"

// Provider is the interface all embedding clients implement.
type Provider interface {
	// Embed converts one text into a vector.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts several texts in one request. The result is
	// aligned with the input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the vector dimension this provider produces.
	Dimensions() int

	// Close releases provider resources.
	Close() error
}
