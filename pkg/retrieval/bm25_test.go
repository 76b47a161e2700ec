package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokens(text string) []string {
	return NewDefaultTokenizer(false).Tokenize(text)
}

func TestBM25SearchRanksMatches(t *testing.T) {
	idx := NewBM25Index(0, 0)
	idx.Add(1, tokens("user drinks espresso every morning"))
	idx.Add(2, tokens("user owns a cat named Whiskers"))
	idx.Add(3, tokens("espresso machine broke last week"))

	hits := idx.Search(tokens("espresso"), 10)
	require.Len(t, hits, 2)
	assert.ElementsMatch(t, []int64{1, 3}, []int64{hits[0].DocID, hits[1].DocID})
	assert.Greater(t, hits[0].Score, 0.0)

	hits = idx.Search(tokens("cat Whiskers"), 10)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].DocID)
}

func TestBM25SearchNoMatch(t *testing.T) {
	idx := NewBM25Index(0, 0)
	idx.Add(1, tokens("user drinks espresso"))

	assert.Empty(t, idx.Search(tokens("quantum physics"), 10))
	assert.Empty(t, idx.Search(nil, 10))
	assert.Empty(t, idx.Search(tokens("espresso"), 0))
}

func TestBM25Remove(t *testing.T) {
	idx := NewBM25Index(0, 0)
	idx.Add(1, tokens("espresso"))
	idx.Add(2, tokens("espresso and cake"))

	idx.Remove(1)
	assert.Equal(t, 1, idx.Len())

	hits := idx.Search(tokens("espresso"), 10)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].DocID)

	idx.Remove(99)
	assert.Equal(t, 1, idx.Len())
}

func TestBM25ReAddReplaces(t *testing.T) {
	idx := NewBM25Index(0, 0)
	idx.Add(1, tokens("espresso"))
	idx.Add(1, tokens("green tea"))

	assert.Empty(t, idx.Search(tokens("espresso"), 10))
	assert.Len(t, idx.Search(tokens("green tea"), 10), 1)
	assert.Equal(t, 1, idx.Len())
}

func TestBM25RebuildFrom(t *testing.T) {
	idx := NewBM25Index(0, 0)
	idx.Add(1, tokens("stale entry"))

	err := idx.RebuildFrom(func(emit func(docID int64, tokens []string)) error {
		emit(10, tokens("fresh espresso"))
		emit(11, tokens("fresh cake"))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, idx.Len())
	assert.Empty(t, idx.Search(tokens("stale"), 10))
	assert.Len(t, idx.Search(tokens("fresh"), 10), 2)
}

func TestBM25TermFrequencySaturation(t *testing.T) {
	idx := NewBM25Index(0, 0)
	idx.Add(1, tokens("espresso espresso espresso espresso"))
	idx.Add(2, tokens("espresso milk"))

	hits := idx.Search(tokens("espresso"), 10)
	require.Len(t, hits, 2)
	// Higher term frequency wins, but scores stay bounded by saturation.
	assert.Equal(t, int64(1), hits[0].DocID)
	assert.Less(t, hits[0].Score, hits[1].Score*4)
}
