// Package retrieval implements the sparse and dense retrieval primitives and
// the fusion layer that combines their ranked lists.
//
// The package covers tokenization, a BM25 inverted index, a dense retriever
// delegating to the storage backend, nine fusion strategies, and a query
// analyzer that classifies queries for adaptive fusion.
package retrieval

import (
	"strings"
	"unicode"
)

// Tokenizer splits text into index terms.
//
// Implementations must be safe for concurrent use. External word segmenters
// can be plugged in for languages where folding on letter boundaries is not
// enough.
type Tokenizer interface {
	Tokenize(text string) []string
}

// defaultStopwords is the stopword table applied by DefaultTokenizer.
var defaultStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "do": {}, "does": {}, "for": {}, "from": {},
	"had": {}, "has": {}, "have": {}, "he": {}, "her": {}, "his": {},
	"i": {}, "if": {}, "in": {}, "is": {}, "it": {}, "its": {}, "me": {},
	"my": {}, "no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "our": {},
	"she": {}, "so": {}, "that": {}, "the": {}, "their": {}, "them": {},
	"they": {}, "this": {}, "to": {}, "was": {}, "we": {}, "were": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "will": {},
	"with": {}, "you": {}, "your": {},
}

// DefaultTokenizer folds text to lowercase, splits on non-letter/digit runes,
// and drops stopwords.
//
// With SegmentCJK enabled, runs of Han characters are additionally expanded
// into overlapping bigrams, which approximates word segmentation well enough
// for BM25 without an external dictionary.
type DefaultTokenizer struct {
	// SegmentCJK enables bigram expansion of Han character runs.
	SegmentCJK bool
}

// NewDefaultTokenizer returns a tokenizer with the default stopword table.
func NewDefaultTokenizer(segmentCJK bool) *DefaultTokenizer {
	return &DefaultTokenizer{SegmentCJK: segmentCJK}
}

// Tokenize splits text into lowercase terms with stopwords removed.
func (t *DefaultTokenizer) Tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	var han []rune

	flushWord := func() {
		if word.Len() == 0 {
			return
		}
		term := word.String()
		word.Reset()
		if _, stop := defaultStopwords[term]; !stop {
			tokens = append(tokens, term)
		}
	}
	flushHan := func() {
		if len(han) == 0 {
			return
		}
		tokens = append(tokens, t.segmentHan(han)...)
		han = han[:0]
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case t.SegmentCJK && unicode.Is(unicode.Han, r):
			flushWord()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			word.WriteRune(r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()

	return tokens
}

// segmentHan expands a run of Han characters into overlapping bigrams.
// A single character stands alone.
func (t *DefaultTokenizer) segmentHan(run []rune) []string {
	if len(run) == 1 {
		return []string{string(run)}
	}
	grams := make([]string, 0, len(run)-1)
	for i := 0; i+1 < len(run); i++ {
		grams = append(grams, string(run[i:i+2]))
	}
	return grams
}

// IsStopword reports whether term is in the default stopword table.
func IsStopword(term string) bool {
	_, ok := defaultStopwords[strings.ToLower(term)]
	return ok
}
