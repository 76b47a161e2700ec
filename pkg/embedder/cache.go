package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// CachedProvider wraps a Provider with a TTL'd in-process cache.
//
// Recall embeds the same query text repeatedly when users rephrase little
// between turns, so caching query embeddings removes most embedding calls on
// the hot path. Entries expire after the configured TTL; the cache is
// best-effort and admission may reject entries under pressure.
type CachedProvider struct {
	inner Provider
	cache *ristretto.Cache
	ttl   time.Duration
}

// CacheConfig configures the embedding cache.
type CacheConfig struct {
	// MaxEntries caps the number of cached embeddings. Defaults to 4096.
	MaxEntries int64

	// TTL is how long an entry stays valid. Defaults to 10 minutes.
	TTL time.Duration
}

// NewCachedProvider wraps inner with a TTL'd embedding cache.
func NewCachedProvider(inner Provider, cfg CacheConfig) (*CachedProvider, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("NewCachedProvider: %w", err)
	}

	return &CachedProvider{
		inner: inner,
		cache: cache,
		ttl:   ttl,
	}, nil
}

// Embed returns the cached vector for text, embedding through the inner
// provider on a miss.
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	if cached, found := p.cache.Get(text); found {
		if vec, ok := cached.([]float64); ok {
			return vec, nil
		}
	}

	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	p.cache.SetWithTTL(text, vec, 1, p.ttl)
	return vec, nil
}

// EmbedBatch embeds texts through the inner provider, serving individual
// entries from the cache where possible.
func (p *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	var misses []string
	var missIdx []int

	for i, text := range texts {
		if cached, found := p.cache.Get(text); found {
			if vec, ok := cached.([]float64); ok {
				vectors[i] = vec
				continue
			}
		}
		misses = append(misses, text)
		missIdx = append(missIdx, i)
	}

	if len(misses) > 0 {
		fresh, err := p.inner.EmbedBatch(ctx, misses)
		if err != nil {
			return nil, err
		}
		for j, vec := range fresh {
			vectors[missIdx[j]] = vec
			p.cache.SetWithTTL(misses[j], vec, 1, p.ttl)
		}
	}

	return vectors, nil
}

// Dimensions returns the inner provider's vector dimension.
func (p *CachedProvider) Dimensions() int {
	return p.inner.Dimensions()
}

// Close closes the cache and the inner provider.
func (p *CachedProvider) Close() error {
	p.cache.Close()
	return p.inner.Close()
}
