package core

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/livingmem/livingmem-go/pkg/embedder"
	"github.com/livingmem/livingmem-go/pkg/forgetting"
	"github.com/livingmem/livingmem-go/pkg/llm"
	"github.com/livingmem/livingmem-go/pkg/recall"
	"github.com/livingmem/livingmem-go/pkg/reflection"
	"github.com/livingmem/livingmem-go/pkg/retrieval"
	"github.com/livingmem/livingmem-go/pkg/session"
	"github.com/livingmem/livingmem-go/pkg/storage"
)

// MemoryEngine is the top-level coordinator. The host feeds it dialogue
// through OnUserMessage and OnAssistantMessage and reads memories back
// through BuildContext. Everything else (reflection, forgetting, session
// expiry) happens behind it.
type MemoryEngine struct {
	cfg       Config
	store     storage.Store
	sparse    *retrieval.BM25Index
	tokenizer retrieval.Tokenizer
	recaller  *recall.Engine
	reflector *reflection.Engine
	forgetter *forgetting.Agent
	sessions  *session.Manager
	logger    *log.Logger
	loc       *time.Location

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	started        bool
	closed         bool
	personaPrompts map[string]string

	tasks       sync.WaitGroup
	reflections sync.WaitGroup
}

// New wires a memory engine from its providers. The store and both
// providers remain owned by the caller; the engine does not close them.
func New(cfg Config, store storage.Store, lm llm.Provider, emb embedder.Provider, logger *log.Logger) (*MemoryEngine, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if emb.Dimensions() != store.Dimensions() {
		return nil, NewEngineError("init", storage.ErrDimensionMismatch)
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		parsed, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Warn("unknown timezone, using UTC", "timezone", cfg.Timezone)
		} else {
			loc = parsed
		}
	}

	tokenizer := retrieval.NewDefaultTokenizer(cfg.Sparse.UseWordSegmentation)

	var sparse *retrieval.BM25Index
	if cfg.Sparse.Enabled {
		sparse = retrieval.NewBM25Index(cfg.Sparse.BM25K1, cfg.Sparse.BM25B)
	}

	fuser := retrieval.NewFuser(retrieval.FusionConfig{
		Strategy:        retrieval.FusionStrategy(cfg.Fusion.Strategy),
		RRFK:            cfg.Fusion.RRFK,
		DenseWeight:     cfg.Fusion.DenseWeight,
		SparseWeight:    cfg.Fusion.SparseWeight,
		ConvexLambda:    cfg.Fusion.ConvexLambda,
		InterleaveRatio: cfg.Fusion.InterleaveRatio,
		RankBiasFactor:  cfg.Fusion.RankBiasFactor,
		DiversityBonus:  cfg.Fusion.DiversityBonus,
	}, retrieval.NewQueryAnalyzer(tokenizer))

	dense := retrieval.NewDenseRetriever(emb, store)
	recaller := recall.NewEngine(store, dense, sparse, tokenizer, fuser, recall.Config{
		TopK:             cfg.Recall.TopK,
		Strategy:         cfg.Recall.RecallStrategy,
		RetrievalMode:    cfg.Recall.RetrievalMode,
		SimilarityWeight: cfg.Recall.SimilarityWeight,
		ImportanceWeight: cfg.Recall.ImportanceWeight,
		RecencyWeight:    cfg.Recall.RecencyWeight,
		RecencyTauDays:   cfg.Recall.RecencyTauDays,
	}, logger)

	reflector := reflection.NewEngine(store, lm, emb, sparse, tokenizer, reflection.Config{
		ImportanceThreshold: cfg.Reflection.ImportanceThreshold,
		ExtractionPrompt:    cfg.Reflection.EventExtractionPrompt,
		EvaluationPrompt:    cfg.Reflection.EvaluationPrompt,
		MaxRetries:          cfg.Reflection.MaxRetries,
	}, logger)

	forgetter := forgetting.NewAgent(store, sparse, forgetting.Config{
		DecayRate:          cfg.Forgetting.ImportanceDecayRate,
		RetentionDays:      cfg.Forgetting.RetentionDays,
		DeleteThreshold:    cfg.Forgetting.ImportanceThreshold,
		CheckIntervalHours: cfg.Forgetting.CheckIntervalHours,
		BatchSize:          cfg.Forgetting.ForgettingBatchSize,
	}, logger)

	sessions := session.NewManager(session.Config{
		MaxSessions:   cfg.Session.MaxSessions,
		SessionTTL:    cfg.Session.SessionTTLDuration(),
		MaxHistory:    cfg.Session.MaxHistory,
		TriggerRounds: cfg.Reflection.SummaryTriggerRounds,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryEngine{
		cfg:            cfg,
		store:          store,
		sparse:         sparse,
		tokenizer:      tokenizer,
		recaller:       recaller,
		reflector:      reflector,
		forgetter:      forgetter,
		sessions:       sessions,
		logger:         logger,
		loc:            loc,
		ctx:            ctx,
		cancel:         cancel,
		personaPrompts: map[string]string{},
	}, nil
}

// Start rebuilds the sparse index from storage and launches the
// background loops. It is idempotent.
func (e *MemoryEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return nil
	}

	if e.sparse != nil {
		if err := e.rebuildSparse(ctx); err != nil {
			return NewEngineError("start", err)
		}
	}

	if e.cfg.Forgetting.Enabled {
		e.tasks.Add(1)
		go func() {
			defer e.tasks.Done()
			e.forgetter.Run(e.ctx)
		}()
	}

	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		e.sessions.RunSweeper(e.ctx)
	}()

	e.started = true
	e.logger.Info("memory engine started",
		"sparse", e.sparse != nil,
		"forgetting", e.cfg.Forgetting.Enabled)
	return nil
}

// rebuildSparse loads every active memory into the sparse index.
func (e *MemoryEngine) rebuildSparse(ctx context.Context) error {
	filter := storage.Filter{Status: storage.StatusActive}
	return e.sparse.RebuildFrom(func(emit func(docID int64, tokens []string)) error {
		return e.store.Scan(ctx, e.cfg.Forgetting.ForgettingBatchSize, filter,
			func(ctx context.Context, page []*storage.Record) error {
				for _, rec := range page {
					emit(rec.DocID, e.tokenizer.Tokenize(rec.Content))
				}
				return nil
			})
	})
}

// Stop cancels the background loops and in-flight reflections and waits
// for them, then flushes pending access bookkeeping.
func (e *MemoryEngine) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.tasks.Wait()
	e.reflections.Wait()
	return e.recaller.Close()
}

// RegisterPersonaPrompt attaches a system prompt that reflection uses
// when processing windows for the given persona.
func (e *MemoryEngine) RegisterPersonaPrompt(personaID, prompt string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.personaPrompts[personaID] = prompt
}

func (e *MemoryEngine) personaPrompt(personaID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.personaPrompts[personaID]
}

// OnUserMessage records a user turn in the session window.
func (e *MemoryEngine) OnUserMessage(sessionID, personaID, text string, timestamp int64) {
	e.sessions.Append(sessionID, "user", text, timestamp)
}

// OnAssistantMessage records an assistant turn. When the turn completes
// enough rounds to trigger reflection, the buffered window is handed to
// a detached reflection task; the call itself never blocks on it.
func (e *MemoryEngine) OnAssistantMessage(sessionID, personaID, text string, timestamp int64) {
	window := e.sessions.Append(sessionID, "assistant", text, timestamp)
	if window == nil {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.reflections.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.reflections.Done()
		result, err := e.reflector.ReflectAndStore(e.ctx, toTurns(window), sessionID, personaID, e.personaPrompt(personaID))
		if err != nil {
			e.logger.Error("background reflection failed", "session_id", sessionID, "error", err)
			return
		}
		e.logger.Info("background reflection done",
			"session_id", sessionID,
			"stored", len(result.StoredIDs),
			"skipped", result.Skipped)
	}()
}

// BuildContext recalls memories for the query and renders them as a
// block ready for prompt injection. Recall degradation is not an error;
// an empty block means nothing relevant was found.
func (e *MemoryEngine) BuildContext(ctx context.Context, sessionID, personaID, query string, k int) (string, error) {
	result, err := e.recaller.Recall(ctx, query, k, e.buildFilter(sessionID, personaID))
	if err != nil {
		return "", NewEngineError("build_context", err)
	}
	return FormatMemories(result.Hits, e.loc), nil
}

// Search runs a recall without session or persona restriction.
func (e *MemoryEngine) Search(ctx context.Context, query string, k int) (*recall.Result, error) {
	result, err := e.recaller.Recall(ctx, query, k, storage.Filter{Status: storage.StatusActive})
	if err != nil {
		return nil, NewEngineError("search", err)
	}
	return result, nil
}

// Reflect flushes the session's current window through reflection
// synchronously, regardless of the round counter.
func (e *MemoryEngine) Reflect(ctx context.Context, sessionID, personaID string) (*reflection.Result, error) {
	window, ok := e.sessions.Get(sessionID)
	if !ok {
		return &reflection.Result{}, nil
	}
	result, err := e.reflector.ReflectAndStore(ctx, toTurns(window), sessionID, personaID, e.personaPrompt(personaID))
	if err != nil {
		return nil, NewEngineError("reflect", err)
	}
	return result, nil
}

// Status reports memory counts by lifecycle status.
func (e *MemoryEngine) Status(ctx context.Context) (storage.StatusCounts, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return storage.StatusCounts{}, NewEngineError("status", err)
	}
	return counts, nil
}

// ForceDelete removes one memory immediately. A missing doc id is a
// soft skip.
func (e *MemoryEngine) ForceDelete(ctx context.Context, docID int64) error {
	n, err := e.store.DeleteMany(ctx, []int64{docID})
	if err != nil {
		return NewEngineError("force_delete", err)
	}
	if n == 0 {
		e.logger.Info("force delete target not found", "doc_id", docID)
		return nil
	}
	if e.sparse != nil {
		e.sparse.Remove(docID)
	}
	return nil
}

// ForgetNow triggers one forgetting pass immediately.
func (e *MemoryEngine) ForgetNow(ctx context.Context) (forgetting.PassSummary, error) {
	summary, err := e.forgetter.RunPass(ctx)
	if err != nil {
		return summary, NewEngineError("forget_now", err)
	}
	return summary, nil
}

// RequestNuke schedules deletion of all memories after a grace period.
func (e *MemoryEngine) RequestNuke() (string, error) {
	id, err := e.forgetter.RequestNuke()
	if err != nil {
		return "", NewEngineError("request_nuke", err)
	}
	return id, nil
}

// CancelNuke aborts a pending nuke by operation id.
func (e *MemoryEngine) CancelNuke(operationID string) error {
	if err := e.forgetter.CancelNuke(operationID); err != nil {
		return NewEngineError("cancel_nuke", err)
	}
	return nil
}

func (e *MemoryEngine) buildFilter(sessionID, personaID string) storage.Filter {
	filter := storage.Filter{Status: storage.StatusActive}
	if e.cfg.Filtering.UseSessionFiltering {
		filter.SessionID = sessionID
	}
	if e.cfg.Filtering.UsePersonaFiltering {
		filter.PersonaID = personaID
	}
	return filter
}

func toTurns(window []session.Message) []reflection.Turn {
	turns := make([]reflection.Turn, len(window))
	for i, msg := range window {
		turns[i] = reflection.Turn{Role: msg.Role, Content: msg.Content, Timestamp: msg.Timestamp}
	}
	return turns
}
