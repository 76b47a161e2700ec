package retrieval

import (
	"math"
	"sort"
	"sync"
)

// Default BM25 parameters.
const (
	DefaultBM25K1 = 1.2
	DefaultBM25B  = 0.75
)

// ScoredDoc is one entry of a ranked list.
type ScoredDoc struct {
	DocID int64
	Score float64
}

// DocSource feeds documents into a BM25 rebuild. It calls emit once per
// document and returns the first error encountered while iterating.
type DocSource func(emit func(docID int64, tokens []string)) error

// BM25Index is an in-memory inverted index with Okapi BM25 scoring.
//
// The index is maintained incrementally as memories are inserted and deleted,
// and can be rebuilt wholesale from a storage scan. Scores are raw BM25 reals,
// unbounded above and not comparable across queries; the fusion layer
// normalizes per query.
//
// Single writer, many readers: Add, Remove, and RebuildFrom take the write
// lock, Search takes the read lock.
type BM25Index struct {
	mu sync.RWMutex

	k1 float64
	b  float64

	// termFreqs[docID][term] = occurrences of term in the document.
	termFreqs map[int64]map[string]int
	// docFreqs[term] = number of documents containing term.
	docFreqs map[string]int
	// docLens[docID] = token count of the document.
	docLens map[int64]int

	totalLen int64
}

// NewBM25Index creates an empty index. Non-positive parameters fall back to
// the defaults k1=1.2, b=0.75.
func NewBM25Index(k1, b float64) *BM25Index {
	if k1 <= 0 {
		k1 = DefaultBM25K1
	}
	if b <= 0 {
		b = DefaultBM25B
	}
	return &BM25Index{
		k1:        k1,
		b:         b,
		termFreqs: make(map[int64]map[string]int),
		docFreqs:  make(map[string]int),
		docLens:   make(map[int64]int),
	}
}

// Add indexes one document. Re-adding an existing docID replaces it.
func (idx *BM25Index) Add(docID int64, tokens []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(docID)
	idx.addLocked(docID, tokens)
}

// Remove drops one document from the index. Unknown ids are a no-op.
func (idx *BM25Index) Remove(docID int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(docID)
}

func (idx *BM25Index) addLocked(docID int64, tokens []string) {
	freqs := make(map[string]int, len(tokens))
	for _, term := range tokens {
		freqs[term]++
	}
	for term := range freqs {
		idx.docFreqs[term]++
	}
	idx.termFreqs[docID] = freqs
	idx.docLens[docID] = len(tokens)
	idx.totalLen += int64(len(tokens))
}

func (idx *BM25Index) removeLocked(docID int64) {
	freqs, ok := idx.termFreqs[docID]
	if !ok {
		return
	}
	for term := range freqs {
		if idx.docFreqs[term] <= 1 {
			delete(idx.docFreqs, term)
		} else {
			idx.docFreqs[term]--
		}
	}
	idx.totalLen -= int64(idx.docLens[docID])
	delete(idx.termFreqs, docID)
	delete(idx.docLens, docID)
}

// RemoveMany drops several documents under one writer lock.
func (idx *BM25Index) RemoveMany(docIDs []int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range docIDs {
		idx.removeLocked(id)
	}
}

// Clear empties the index.
func (idx *BM25Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.termFreqs = make(map[int64]map[string]int)
	idx.docFreqs = make(map[string]int)
	idx.docLens = make(map[int64]int)
	idx.totalLen = 0
}

// RebuildFrom replaces the whole index with the documents emitted by src.
// The new index is built without holding the lock, so readers keep seeing the
// old contents until the finished maps are swapped in under the write lock.
func (idx *BM25Index) RebuildFrom(src DocSource) error {
	termFreqs := make(map[int64]map[string]int)
	docFreqs := make(map[string]int)
	docLens := make(map[int64]int)
	var totalLen int64

	err := src(func(docID int64, tokens []string) {
		freqs := make(map[string]int, len(tokens))
		for _, term := range tokens {
			freqs[term]++
		}
		for term := range freqs {
			docFreqs[term]++
		}
		termFreqs[docID] = freqs
		docLens[docID] = len(tokens)
		totalLen += int64(len(tokens))
	})
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.termFreqs = termFreqs
	idx.docFreqs = docFreqs
	idx.docLens = docLens
	idx.totalLen = totalLen
	return nil
}

// Len returns the number of indexed documents.
func (idx *BM25Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.termFreqs)
}

// Search scores all documents against the query tokens and returns up to k
// hits with positive score, best first. Ties break on lower DocID.
func (idx *BM25Index) Search(queryTokens []string, k int) []ScoredDoc {
	if k <= 0 || len(queryTokens) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.termFreqs)
	if n == 0 {
		return nil
	}
	avgLen := float64(idx.totalLen) / float64(n)

	// Deduplicate query terms; repeating a term in the query does not
	// multiply its contribution.
	seen := make(map[string]struct{}, len(queryTokens))
	scores := make(map[int64]float64)
	for _, term := range queryTokens {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		df := idx.docFreqs[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))

		for docID, freqs := range idx.termFreqs {
			tf := float64(freqs[term])
			if tf == 0 {
				continue
			}
			norm := idx.k1 * (1 - idx.b + idx.b*float64(idx.docLens[docID])/avgLen)
			scores[docID] += idf * tf * (idx.k1 + 1) / (tf + norm)
		}
	}

	hits := make([]ScoredDoc, 0, len(scores))
	for docID, score := range scores {
		if score > 0 {
			hits = append(hits, ScoredDoc{DocID: docID, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
