// Package recall implements the query-side orchestration: dense and sparse
// retrieval in parallel, fusion, weighted re-scoring, and best-effort access
// bookkeeping.
package recall

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/livingmem/livingmem-go/pkg/retrieval"
	"github.com/livingmem/livingmem-go/pkg/storage"
)

// Retrieval modes.
const (
	ModeHybrid = "hybrid"
	ModeDense  = "dense"
	ModeSparse = "sparse"
)

// Scoring strategies.
const (
	StrategySimilarity = "similarity"
	StrategyWeighted   = "weighted"
)

// Config holds the recall engine settings.
type Config struct {
	// TopK is the default number of hits when the caller passes k <= 0.
	TopK int `json:"top_k"`

	// Strategy is "similarity" or "weighted".
	Strategy string `json:"recall_strategy"`

	// RetrievalMode is "hybrid", "dense", or "sparse".
	RetrievalMode string `json:"retrieval_mode"`

	// SimilarityWeight, ImportanceWeight, and RecencyWeight drive the
	// weighted strategy. They should sum to about 1; the engine warns but
	// does not renormalize.
	SimilarityWeight float64 `json:"similarity_weight"`
	ImportanceWeight float64 `json:"importance_weight"`
	RecencyWeight    float64 `json:"recency_weight"`

	// RecencyTauDays is the recency decay constant in days. Defaults to 30.
	RecencyTauDays float64 `json:"recency_tau_days"`

	// TouchTimeout bounds the background access-time update. Defaults to
	// 5 seconds.
	TouchTimeout time.Duration `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.Strategy == "" {
		c.Strategy = StrategySimilarity
	}
	if c.RetrievalMode == "" {
		c.RetrievalMode = ModeHybrid
	}
	if c.SimilarityWeight == 0 && c.ImportanceWeight == 0 && c.RecencyWeight == 0 {
		c.SimilarityWeight = 0.6
		c.ImportanceWeight = 0.2
		c.RecencyWeight = 0.2
	}
	if c.RecencyTauDays <= 0 {
		c.RecencyTauDays = 30
	}
	if c.TouchTimeout <= 0 {
		c.TouchTimeout = 5 * time.Second
	}
	return c
}

// ComponentScores breaks a hit's final score into its ingredients. A nil
// field means the component did not contribute.
type ComponentScores struct {
	Dense   *float64 `json:"dense,omitempty"`
	Sparse  *float64 `json:"sparse,omitempty"`
	Recency *float64 `json:"recency,omitempty"`
}

// Hit is one recalled memory.
type Hit struct {
	DocID          int64                  `json:"doc_id"`
	Content        string                 `json:"content"`
	EventType      storage.EventType      `json:"event_type"`
	Importance     float64                `json:"importance"`
	LastAccessTime int64                  `json:"last_access_time"`
	FinalScore     float64                `json:"final_score"`
	Components     ComponentScores        `json:"component_scores"`
}

// Result is the outcome of one recall.
type Result struct {
	Hits []Hit

	// Degraded is set when one retrieval leg failed and the result came
	// from the other leg alone.
	Degraded bool
}

// Engine runs the recall pipeline.
type Engine struct {
	store     storage.Store
	dense     *retrieval.DenseRetriever
	sparse    *retrieval.BM25Index
	tokenizer retrieval.Tokenizer
	fuser     *retrieval.Fuser
	cfg       Config
	logger    *log.Logger

	// now is injectable for recency math in tests.
	now func() time.Time

	touches sync.WaitGroup
}

// NewEngine creates a recall engine. A nil logger falls back to the package
// default. The sparse index may be nil when RetrievalMode is "dense".
func NewEngine(store storage.Store, dense *retrieval.DenseRetriever, sparse *retrieval.BM25Index,
	tokenizer retrieval.Tokenizer, fuser *retrieval.Fuser, cfg Config, logger *log.Logger) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if tokenizer == nil {
		tokenizer = retrieval.NewDefaultTokenizer(false)
	}

	if cfg.Strategy == StrategyWeighted {
		sum := cfg.SimilarityWeight + cfg.ImportanceWeight + cfg.RecencyWeight
		if math.Abs(sum-1) > 0.01 {
			logger.Warn("recall weights do not sum to 1", "sum", sum)
		}
	}

	return &Engine{
		store:     store,
		dense:     dense,
		sparse:    sparse,
		tokenizer: tokenizer,
		fuser:     fuser,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Recall retrieves up to k memories for the query. k <= 0 uses the configured
// TopK.
//
// Dense and sparse legs run in parallel with an over-fetch, results are
// filtered, fused, re-scored per the configured strategy, and trimmed to k.
// If one leg fails the other still answers, with Result.Degraded set. If both
// fail, Recall returns an empty result and an error. Access bookkeeping runs
// in the background after the result is final.
func (e *Engine) Recall(ctx context.Context, query string, k int, filter storage.Filter) (*Result, error) {
	if k <= 0 {
		k = e.cfg.TopK
	}
	overK := 4 * k
	if overK < 20 {
		overK = 20
	}

	denseHits, sparseHits, denseErr, sparseErr := e.retrieve(ctx, query, overK, filter)

	if denseErr != nil && sparseErr != nil {
		return &Result{}, fmt.Errorf("recall: both retrievers failed: dense: %v: %w", denseErr, sparseErr)
	}

	degraded := false
	if denseErr != nil {
		e.logger.Warn("dense retrieval failed, serving sparse only", "err", denseErr)
		degraded = true
	}
	if sparseErr != nil {
		e.logger.Warn("sparse retrieval failed, serving dense only", "err", sparseErr)
		degraded = true
	}

	fused := e.fuser.Fuse(query, denseHits, sparseHits, 2*k)
	if len(fused) == 0 {
		return &Result{Degraded: degraded}, nil
	}

	hits, err := e.score(ctx, fused, denseHits, sparseHits, k)
	if err != nil {
		return &Result{Degraded: degraded}, fmt.Errorf("recall: %w", err)
	}

	e.touchAsync(hits)

	return &Result{Hits: hits, Degraded: degraded}, nil
}

// retrieve runs both legs in parallel, honoring the retrieval mode.
func (e *Engine) retrieve(ctx context.Context, query string, overK int, filter storage.Filter) (
	denseHits, sparseHits []retrieval.ScoredDoc, denseErr, sparseErr error) {

	runDense := e.cfg.RetrievalMode != ModeSparse && e.dense != nil
	runSparse := e.cfg.RetrievalMode != ModeDense && e.sparse != nil

	var wg sync.WaitGroup
	if runDense {
		wg.Add(1)
		go func() {
			defer wg.Done()
			denseHits, denseErr = e.dense.Search(ctx, query, overK, filter)
		}()
	}
	if runSparse {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sparseHits, sparseErr = e.sparseSearch(ctx, query, overK, filter)
		}()
	}
	wg.Wait()
	return denseHits, sparseHits, denseErr, sparseErr
}

// sparseSearch queries the BM25 index and applies the metadata filter, which
// the index itself knows nothing about.
func (e *Engine) sparseSearch(ctx context.Context, query string, overK int, filter storage.Filter) ([]retrieval.ScoredDoc, error) {
	hits := e.sparse.Search(e.tokenizer.Tokenize(query), overK)
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.DocID
	}
	records, err := e.store.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("sparse post-filter: %w", err)
	}

	filtered := hits[:0]
	for _, h := range hits {
		rec, ok := records[h.DocID]
		if !ok {
			// Deleted since the last index update.
			continue
		}
		if filter.Matches(rec) {
			filtered = append(filtered, h)
		}
	}
	return filtered, nil
}

// score loads the fused candidates and applies the configured strategy.
func (e *Engine) score(ctx context.Context, fused, denseHits, sparseHits []retrieval.ScoredDoc, k int) ([]Hit, error) {
	ids := make([]int64, len(fused))
	for i, d := range fused {
		ids[i] = d.DocID
	}
	records, err := e.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	denseScores := make(map[int64]float64, len(denseHits))
	for _, d := range denseHits {
		denseScores[d.DocID] = d.Score
	}
	sparseScores := make(map[int64]float64, len(sparseHits))
	for _, s := range sparseHits {
		sparseScores[s.DocID] = s.Score
	}

	now := e.now().Unix()
	hits := make([]Hit, 0, len(fused))
	for _, d := range fused {
		rec, ok := records[d.DocID]
		if !ok {
			continue
		}

		hit := Hit{
			DocID:          rec.DocID,
			Content:        rec.Content,
			EventType:      rec.EventType,
			Importance:     rec.Importance,
			LastAccessTime: rec.LastAccessTime,
			FinalScore:     d.Score,
		}
		if s, ok := denseScores[d.DocID]; ok {
			v := s
			hit.Components.Dense = &v
		}
		if s, ok := sparseScores[d.DocID]; ok {
			v := s
			hit.Components.Sparse = &v
		}

		if e.cfg.Strategy == StrategyWeighted {
			deltaDays := float64(now-rec.LastAccessTime) / 86400
			if deltaDays < 0 {
				deltaDays = 0
			}
			recency := math.Exp(-deltaDays / e.cfg.RecencyTauDays)
			hit.Components.Recency = &recency
			hit.FinalScore = e.cfg.SimilarityWeight*d.Score +
				e.cfg.ImportanceWeight*rec.Importance +
				e.cfg.RecencyWeight*recency
		}

		hits = append(hits, hit)
	}

	if e.cfg.Strategy == StrategyWeighted {
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].FinalScore != hits[j].FinalScore {
				return hits[i].FinalScore > hits[j].FinalScore
			}
			return hits[i].DocID < hits[j].DocID
		})
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// touchAsync updates access bookkeeping in the background. Recall never
// blocks on or fails from this.
func (e *Engine) touchAsync(hits []Hit) {
	if len(hits) == 0 {
		return
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.DocID
	}
	now := e.now().Unix()

	e.touches.Add(1)
	go func() {
		defer e.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TouchTimeout)
		defer cancel()
		if err := e.store.Touch(ctx, ids, now); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("touch failed", "err", err)
		}
	}()
}

// Close waits for outstanding background touches.
func (e *Engine) Close() error {
	e.touches.Wait()
	return nil
}
