package retrieval

import (
	"context"
	"fmt"

	"github.com/livingmem/livingmem-go/pkg/embedder"
	"github.com/livingmem/livingmem-go/pkg/storage"
)

// DenseRetriever embeds a query and delegates k-NN search to the store.
// Similarity comes back normalized to [0, 1].
type DenseRetriever struct {
	embedder embedder.Provider
	store    storage.Store
}

// NewDenseRetriever wires an embedding provider to a store. Wrapping the
// provider in an embedder.CachedProvider is recommended for the recall path.
func NewDenseRetriever(provider embedder.Provider, store storage.Store) *DenseRetriever {
	return &DenseRetriever{embedder: provider, store: store}
}

// Search embeds the query and returns up to k hits matching the filter.
func (r *DenseRetriever) Search(ctx context.Context, query string, k int, filter storage.Filter) ([]ScoredDoc, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("dense search: embed query: %w", err)
	}

	hits, err := r.store.DenseSearch(ctx, vec, k, filter)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}

	docs := make([]ScoredDoc, len(hits))
	for i, hit := range hits {
		docs[i] = ScoredDoc{DocID: hit.DocID, Score: hit.Similarity}
	}
	return docs, nil
}
