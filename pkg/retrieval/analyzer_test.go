package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyKeyword(t *testing.T) {
	a := NewQueryAnalyzer(nil)

	assert.Equal(t, QueryKeyword, a.Classify("ORD-4711"))
	assert.Equal(t, QueryKeyword, a.Classify("error 500"))
	assert.Equal(t, QueryKeyword, a.Classify("whiskers cat"))
}

func TestClassifySemantic(t *testing.T) {
	a := NewQueryAnalyzer(nil)

	assert.Equal(t, QuerySemantic,
		a.Classify("what did the user say they were planning to cook for the big dinner party this weekend"))
}

func TestClassifyMixed(t *testing.T) {
	a := NewQueryAnalyzer(nil)

	assert.Equal(t, QueryMixed, a.Classify("favorite coffee order details morning"))
}

func TestAnalyzeStats(t *testing.T) {
	a := NewQueryAnalyzer(nil)

	stats := a.Analyze("the cat is on mat 42")
	assert.Equal(t, 3, stats.TokenCount) // cat, mat, 42
	assert.InDelta(t, 0.5, stats.StopwordRatio, 1e-9)
	assert.True(t, stats.HasSymbolOrDigit)

	stats = a.Analyze("")
	assert.Zero(t, stats.TokenCount)
	assert.Zero(t, stats.StopwordRatio)
	assert.False(t, stats.HasSymbolOrDigit)
}
