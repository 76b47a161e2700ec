package forgetting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livingmem/livingmem-go/pkg/retrieval"
	"github.com/livingmem/livingmem-go/pkg/storage"
)

// wipeStore is an in-memory storage.Store for forgetting tests.
type wipeStore struct {
	mu      sync.Mutex
	records map[int64]*storage.Record
	deletes [][]int64
	wipes   int
}

func newWipeStore() *wipeStore {
	return &wipeStore{records: map[int64]*storage.Record{}}
}

func (s *wipeStore) add(rec *storage.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.DocID] = rec
}

func (s *wipeStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *wipeStore) Insert(ctx context.Context, rec *storage.Record) (int64, error) {
	panic("not used")
}

func (s *wipeStore) Get(ctx context.Context, docID int64) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[docID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (s *wipeStore) GetMany(ctx context.Context, docIDs []int64) (map[int64]*storage.Record, error) {
	return nil, nil
}

func (s *wipeStore) Update(ctx context.Context, docID int64, patch storage.Patch) error { return nil }

func (s *wipeStore) ReplaceContent(ctx context.Context, docID int64, content string, embedding []float64) (int64, error) {
	panic("not used")
}

func (s *wipeStore) DeleteMany(ctx context.Context, docIDs []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, docIDs)
	n := 0
	for _, id := range docIDs {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *wipeStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[int64]*storage.Record{}
	s.wipes++
	return nil
}

func (s *wipeStore) Scan(ctx context.Context, pageSize int, filter storage.Filter, fn storage.PageFunc) error {
	s.mu.Lock()
	var all []*storage.Record
	var maxID int64
	for id := range s.records {
		if id > maxID {
			maxID = id
		}
	}
	for id := int64(1); id <= maxID; id++ {
		if rec, ok := s.records[id]; ok && filter.Matches(rec) {
			all = append(all, rec)
		}
	}
	s.mu.Unlock()

	for start := 0; start < len(all); start += pageSize {
		end := start + pageSize
		if end > len(all) {
			end = len(all)
		}
		if err := fn(ctx, all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *wipeStore) DenseSearch(ctx context.Context, embedding []float64, k int, filter storage.Filter) ([]storage.SearchHit, error) {
	return nil, nil
}

func (s *wipeStore) Touch(ctx context.Context, docIDs []int64, now int64) error { return nil }

func (s *wipeStore) CountByStatus(ctx context.Context) (storage.StatusCounts, error) {
	return storage.StatusCounts{}, nil
}

func (s *wipeStore) Dimensions() int { return 2 }
func (s *wipeStore) Close() error    { return nil }

func activeRecord(docID int64, importance float64, ageDays int, now time.Time) *storage.Record {
	return &storage.Record{
		DocID:      docID,
		Content:    "memory",
		Importance: importance,
		CreateTime: now.Unix() - int64(ageDays)*86400,
		Status:     storage.StatusActive,
	}
}

func TestDecayedImportance(t *testing.T) {
	agent := NewAgent(newWipeStore(), nil, Config{}, nil)
	now := time.Unix(1000*86400, 0)

	// 0.5 * 0.995^200
	got := agent.DecayedImportance(0.5, now.Unix()-200*86400, now.Unix())
	assert.InDelta(t, 0.1835, got, 0.001)

	// Age zero means no decay; future create times are clamped.
	assert.Equal(t, 0.7, agent.DecayedImportance(0.7, now.Unix(), now.Unix()))
	assert.Equal(t, 0.7, agent.DecayedImportance(0.7, now.Unix()+3600, now.Unix()))
}

func TestRunPassDeletesOldFadedMemories(t *testing.T) {
	now := time.Unix(1000*86400, 0)
	store := newWipeStore()
	sparse := retrieval.NewBM25Index(0, 0)
	tok := retrieval.NewDefaultTokenizer(false)

	// Old and faded: deleted.
	store.add(activeRecord(1, 0.2, 200, now))
	sparse.Add(1, tok.Tokenize("faded old memory"))
	// Old but still important: kept.
	store.add(activeRecord(2, 1.0, 200, now))
	sparse.Add(2, tok.Tokenize("strong old memory"))
	// Faded but inside the retention window: kept.
	store.add(activeRecord(3, 0.01, 10, now))
	sparse.Add(3, tok.Tokenize("fresh trivial memory"))

	agent := NewAgent(store, sparse, Config{}, nil)
	agent.now = func() time.Time { return now }

	summary, err := agent.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 1, summary.Deleted)

	_, err = store.Get(context.Background(), 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Get(context.Background(), 2)
	assert.NoError(t, err)
	_, err = store.Get(context.Background(), 3)
	assert.NoError(t, err)

	// The sparse index dropped the deleted doc.
	assert.Empty(t, sparse.Search(tok.Tokenize("faded"), 10))
	assert.Len(t, sparse.Search(tok.Tokenize("memory"), 10), 2)
}

func TestRunPassPaginates(t *testing.T) {
	now := time.Unix(1000*86400, 0)
	store := newWipeStore()
	for i := int64(1); i <= 7; i++ {
		store.add(activeRecord(i, 0.05, 200, now))
	}

	agent := NewAgent(store, nil, Config{BatchSize: 3}, nil)
	agent.now = func() time.Time { return now }

	summary, err := agent.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, summary.Scanned)
	assert.Equal(t, 7, summary.Deleted)
	assert.Equal(t, 0, store.len())

	// One DeleteMany per page.
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.deletes, 3)
	assert.Len(t, store.deletes[0], 3)
	assert.Len(t, store.deletes[2], 1)
}

func TestRunPassSingleton(t *testing.T) {
	agent := NewAgent(newWipeStore(), nil, Config{}, nil)
	agent.opMu.Lock()
	defer agent.opMu.Unlock()

	_, err := agent.RunPass(context.Background())
	assert.ErrorIs(t, err, ErrPassRunning)
}

func TestRunPassCancelledAtPageBoundary(t *testing.T) {
	now := time.Unix(1000*86400, 0)
	store := newWipeStore()
	for i := int64(1); i <= 6; i++ {
		store.add(activeRecord(i, 0.05, 200, now))
	}

	agent := NewAgent(store, nil, Config{BatchSize: 2}, nil)
	agent.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := agent.RunPass(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	// The first page is processed before the cancellation check fires.
	assert.Equal(t, 4, store.len())
}
