package embedder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls int
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	p.calls++
	return []float64{float64(len(text)), 0}, nil
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	p.calls++
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = []float64{float64(len(text)), 0}
	}
	return vectors, nil
}

func (p *countingProvider) Dimensions() int { return 2 }
func (p *countingProvider) Close() error    { return nil }

func TestCachedProviderEmbed(t *testing.T) {
	inner := &countingProvider{}
	cached, err := NewCachedProvider(inner, CacheConfig{TTL: time.Minute})
	require.NoError(t, err)
	defer func() { _ = cached.Close() }()

	ctx := context.Background()

	vec, err := cached.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 0}, vec)
	assert.Equal(t, 1, inner.calls)

	// ristretto admits asynchronously.
	cached.cache.Wait()

	vec, err = cached.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 0}, vec)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedProviderEmbedBatchPartialHit(t *testing.T) {
	inner := &countingProvider{}
	cached, err := NewCachedProvider(inner, CacheConfig{TTL: time.Minute})
	require.NoError(t, err)
	defer func() { _ = cached.Close() }()

	ctx := context.Background()

	_, err = cached.Embed(ctx, "aa")
	require.NoError(t, err)
	cached.cache.Wait()

	vectors, err := cached.EmbedBatch(ctx, []string{"aa", "bbb"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float64{2, 0}, vectors[0])
	assert.Equal(t, []float64{3, 0}, vectors[1])
	assert.Equal(t, 2, inner.calls)
}

func TestCachedProviderDimensions(t *testing.T) {
	cached, err := NewCachedProvider(&countingProvider{}, CacheConfig{})
	require.NoError(t, err)
	defer func() { _ = cached.Close() }()

	assert.Equal(t, 2, cached.Dimensions())
}
