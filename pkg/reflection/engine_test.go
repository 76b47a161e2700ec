package reflection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livingmem/livingmem-go/pkg/llm"
	"github.com/livingmem/livingmem-go/pkg/retrieval"
	"github.com/livingmem/livingmem-go/pkg/storage"
)

// scriptedLLM returns queued responses in order.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (p *scriptedLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.responses) {
		return "", errors.New("script exhausted")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedLLM) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	return p.Generate(ctx, "")
}

func (p *scriptedLLM) Close() error { return nil }

// memStore is a minimal in-memory storage.Store for reflection tests.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*storage.Record
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, records: map[int64]*storage.Record{}}
}

func (s *memStore) Insert(ctx context.Context, rec *storage.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	clone.DocID = s.nextID
	s.nextID++
	s.records[clone.DocID] = &clone
	return clone.DocID, nil
}

func (s *memStore) Get(ctx context.Context, docID int64) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[docID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) GetMany(ctx context.Context, docIDs []int64) (map[int64]*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]*storage.Record{}
	for _, id := range docIDs {
		if rec, ok := s.records[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (s *memStore) Update(ctx context.Context, docID int64, patch storage.Patch) error { return nil }

func (s *memStore) ReplaceContent(ctx context.Context, docID int64, content string, embedding []float64) (int64, error) {
	return 0, errors.New("not implemented")
}

func (s *memStore) DeleteMany(ctx context.Context, docIDs []int64) (int, error) { return 0, nil }
func (s *memStore) DeleteAll(ctx context.Context) error                         { return nil }

func (s *memStore) Scan(ctx context.Context, pageSize int, filter storage.Filter, fn storage.PageFunc) error {
	s.mu.Lock()
	var page []*storage.Record
	for id := int64(1); id < s.nextID; id++ {
		if rec, ok := s.records[id]; ok && filter.Matches(rec) {
			page = append(page, rec)
		}
	}
	s.mu.Unlock()
	if len(page) == 0 {
		return nil
	}
	return fn(ctx, page)
}

func (s *memStore) DenseSearch(ctx context.Context, embedding []float64, k int, filter storage.Filter) ([]storage.SearchHit, error) {
	return nil, nil
}

func (s *memStore) Touch(ctx context.Context, docIDs []int64, now int64) error { return nil }

func (s *memStore) CountByStatus(ctx context.Context) (storage.StatusCounts, error) {
	return storage.StatusCounts{}, nil
}

func (s *memStore) Dimensions() int { return 2 }
func (s *memStore) Close() error    { return nil }

// unitEmbedder returns a fixed vector for every text.
type unitEmbedder struct{}

func (unitEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return []float64{1, 0}, nil
}

func (unitEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0}
	}
	return out, nil
}

func (unitEmbedder) Dimensions() int { return 2 }
func (unitEmbedder) Close() error    { return nil }

const extractionTwoEvents = "```json\n[{\"content\": \"User lives in Berlin\", \"event_type\": \"FACT\"}, {\"content\": \"User prefers window seats\", \"event_type\": \"PREFERENCE\"}]\n```"

func testWindow() []Turn {
	return []Turn{
		{Role: "user", Content: "I just moved to Berlin", Timestamp: 1},
		{Role: "assistant", Content: "Nice, how do you like it?", Timestamp: 2},
	}
}

func newTestReflection(store storage.Store, provider llm.Provider, sparse *retrieval.BM25Index) *Engine {
	return NewEngine(store, provider, unitEmbedder{}, sparse, nil,
		Config{RetryBaseDelay: time.Millisecond}, nil)
}

func TestReflectAndStore(t *testing.T) {
	store := newMemStore()
	sparse := retrieval.NewBM25Index(0, 0)
	provider := &scriptedLLM{responses: []string{
		extractionTwoEvents,
		`{"scores": {"e1": 0.9, "e2": 0.3}}`,
	}}
	engine := newTestReflection(store, provider, sparse)

	result, err := engine.ReflectAndStore(context.Background(), testWindow(), "s1", "p1", "")
	require.NoError(t, err)
	require.Len(t, result.StoredIDs, 1)
	assert.Equal(t, 1, result.Skipped)

	rec, err := store.Get(context.Background(), result.StoredIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "User lives in Berlin", rec.Content)
	assert.Equal(t, storage.EventFact, rec.EventType)
	assert.Equal(t, 0.9, rec.Importance)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "p1", rec.PersonaID)
	assert.Equal(t, storage.StatusActive, rec.Status)

	// The sparse index picked up the committed memory.
	hits := sparse.Search(retrieval.NewDefaultTokenizer(false).Tokenize("Berlin"), 10)
	require.Len(t, hits, 1)
	assert.Equal(t, result.StoredIDs[0], hits[0].DocID)
}

func TestReflectIdempotent(t *testing.T) {
	store := newMemStore()
	provider := &scriptedLLM{responses: []string{
		extractionTwoEvents,
		`{"scores": {"e1": 0.9, "e2": 0.9}}`,
		extractionTwoEvents,
	}}
	engine := newTestReflection(store, provider, nil)
	ctx := context.Background()

	first, err := engine.ReflectAndStore(ctx, testWindow(), "s1", "", "")
	require.NoError(t, err)
	assert.Len(t, first.StoredIDs, 2)

	second, err := engine.ReflectAndStore(ctx, testWindow(), "s1", "", "")
	require.NoError(t, err)
	assert.Empty(t, second.StoredIDs)
	assert.Equal(t, 2, second.Skipped)
}

func TestReflectRetriesMalformedExtraction(t *testing.T) {
	store := newMemStore()
	provider := &scriptedLLM{responses: []string{
		"sorry, I cannot help with that",
		extractionTwoEvents,
		`{"scores": {"e1": 0.9, "e2": 0.9}}`,
	}}
	engine := newTestReflection(store, provider, nil)

	result, err := engine.ReflectAndStore(context.Background(), testWindow(), "s1", "", "")
	require.NoError(t, err)
	assert.Len(t, result.StoredIDs, 2)
}

func TestReflectExtractionFatal(t *testing.T) {
	store := newMemStore()
	provider := &scriptedLLM{responses: []string{"nope", "nope", "nope"}}
	engine := newTestReflection(store, provider, nil)

	_, err := engine.ReflectAndStore(context.Background(), testWindow(), "s1", "", "")
	assert.ErrorIs(t, err, ErrMalformedOutput)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.records)
}

func TestReflectScoringFailureDiscardsBatch(t *testing.T) {
	store := newMemStore()
	provider := &scriptedLLM{responses: []string{
		extractionTwoEvents,
		"not json", "not json", "not json",
	}}
	engine := newTestReflection(store, provider, nil)

	result, err := engine.ReflectAndStore(context.Background(), testWindow(), "s1", "", "")
	require.NoError(t, err)
	assert.Empty(t, result.StoredIDs)
	assert.Equal(t, 2, result.Skipped)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.records)
}

func TestReflectDropsInvalidCandidates(t *testing.T) {
	store := newMemStore()
	provider := &scriptedLLM{responses: []string{
		`[{"content": "", "event_type": "FACT"},
		  {"content": "User hates mornings", "event_type": "MYSTERY"},
		  {"content": "User hikes on weekends", "event_type": "FACT"},
		  {"content": "user hikes on weekends!", "event_type": "FACT"}]`,
		`{"scores": {"e1": 0.8}}`,
	}}
	engine := newTestReflection(store, provider, nil)

	result, err := engine.ReflectAndStore(context.Background(), testWindow(), "s1", "", "")
	require.NoError(t, err)
	require.Len(t, result.StoredIDs, 1)
	assert.Equal(t, 3, result.Skipped)

	rec, err := store.Get(context.Background(), result.StoredIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "User hikes on weekends", rec.Content)
}

func TestReflectEmptyWindow(t *testing.T) {
	engine := newTestReflection(newMemStore(), &scriptedLLM{}, nil)

	result, err := engine.ReflectAndStore(context.Background(), nil, "s1", "", "")
	require.NoError(t, err)
	assert.Empty(t, result.StoredIDs)
}

func TestFingerprintNormalization(t *testing.T) {
	assert.Equal(t, Fingerprint("User likes coffee."), Fingerprint("  user   LIKES coffee!  "))
	assert.NotEqual(t, Fingerprint("User likes coffee"), Fingerprint("User likes tea"))
}
