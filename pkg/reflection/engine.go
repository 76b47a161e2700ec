// Package reflection turns rolling dialogue windows into typed, scored
// memories.
//
// The pipeline runs two language model stages: extraction proposes candidate
// events, evaluation scores their importance. Candidates are validated,
// deduplicated by content fingerprint, filtered by an importance threshold,
// embedded in one batch, and committed to storage. Reflections for the same
// session are serialized by a keyed mutex, so two reflections on the same
// window cannot interleave their duplicate checks.
package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/livingmem/livingmem-go/pkg/embedder"
	"github.com/livingmem/livingmem-go/pkg/llm"
	"github.com/livingmem/livingmem-go/pkg/retrieval"
	"github.com/livingmem/livingmem-go/pkg/storage"
)

// ErrMalformedOutput indicates the language model returned output that could
// not be parsed after all retries.
var ErrMalformedOutput = errors.New("malformed model output")

// Turn is one message of a dialogue window.
type Turn struct {
	Role      string
	Content   string
	Timestamp int64
}

// Config holds the reflection engine settings.
type Config struct {
	// ImportanceThreshold drops events scoring below it. Defaults to 0.5.
	ImportanceThreshold float64 `json:"importance_threshold"`

	// ExtractionPrompt and EvaluationPrompt override the built-in prompts.
	ExtractionPrompt string `json:"event_extraction_prompt"`
	EvaluationPrompt string `json:"evaluation_prompt"`

	// MaxRetries bounds the model call retries per stage. Defaults to 3.
	MaxRetries int `json:"max_retries"`

	// RetryBaseDelay is the first backoff step. Doubles per attempt.
	// Defaults to 500 ms.
	RetryBaseDelay time.Duration `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.ImportanceThreshold == 0 {
		c.ImportanceThreshold = 0.5
	}
	if c.ExtractionPrompt == "" {
		c.ExtractionPrompt = defaultExtractionPrompt
	}
	if c.EvaluationPrompt == "" {
		c.EvaluationPrompt = defaultEvaluationPrompt
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	return c
}

// Result summarizes one reflection.
type Result struct {
	// StoredIDs are the doc ids of committed memories.
	StoredIDs []int64

	// Skipped counts candidates dropped by validation, dedup, or the
	// importance threshold.
	Skipped int
}

// Engine runs the reflection pipeline.
type Engine struct {
	store     storage.Store
	provider  llm.Provider
	embedder  embedder.Provider
	sparse    *retrieval.BM25Index
	tokenizer retrieval.Tokenizer
	cfg       Config
	logger    *log.Logger

	now func() time.Time

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// NewEngine creates a reflection engine. The sparse index may be nil when
// sparse retrieval is disabled; a nil logger falls back to the package
// default.
func NewEngine(store storage.Store, provider llm.Provider, emb embedder.Provider,
	sparse *retrieval.BM25Index, tokenizer retrieval.Tokenizer, cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if tokenizer == nil {
		tokenizer = retrieval.NewDefaultTokenizer(false)
	}
	return &Engine{
		store:        store,
		provider:     provider,
		embedder:     emb,
		sparse:       sparse,
		tokenizer:    tokenizer,
		cfg:          cfg.withDefaults(),
		logger:       logger,
		now:          time.Now,
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing reflections for one session.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.sessionLocks[sessionID] = lock
	}
	return lock
}

// candidateEvent is one extraction output entry.
type candidateEvent struct {
	Content   string `json:"content"`
	EventType string `json:"event_type"`
}

// ReflectAndStore extracts memories from the window and commits survivors.
//
// An extraction failure is fatal for the call and commits nothing. A scoring
// failure discards the batch but is not an error for the caller beyond the
// skip count. Duplicate candidates, against the session's active memories or
// within the batch, are skipped, which makes reflecting the same window twice
// idempotent.
func (e *Engine) ReflectAndStore(ctx context.Context, window []Turn, sessionID, personaID, personaPrompt string) (*Result, error) {
	if len(window) == 0 {
		return &Result{}, nil
	}

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	candidates, err := e.extract(ctx, window, personaPrompt)
	if err != nil {
		return nil, fmt.Errorf("reflection: %w", err)
	}
	if len(candidates) == 0 {
		return &Result{}, nil
	}

	events, skipped, err := e.validate(ctx, candidates, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reflection: %w", err)
	}
	if len(events) == 0 {
		return &Result{Skipped: skipped}, nil
	}

	scores, err := e.score(ctx, events, personaPrompt)
	if err != nil {
		e.logger.Warn("scoring failed, discarding batch", "session_id", sessionID, "events", len(events), "err", err)
		return &Result{Skipped: skipped + len(events)}, nil
	}

	var kept []candidateEvent
	var importances []float64
	for i, ev := range events {
		score := scores[i]
		if score < e.cfg.ImportanceThreshold {
			skipped++
			continue
		}
		kept = append(kept, ev)
		importances = append(importances, score)
	}
	if len(kept) == 0 {
		return &Result{Skipped: skipped}, nil
	}

	storedIDs, err := e.commit(ctx, kept, importances, sessionID, personaID)
	if err != nil {
		return nil, fmt.Errorf("reflection: %w", err)
	}

	e.logger.Info("reflection committed", "session_id", sessionID, "stored", len(storedIDs), "skipped", skipped)
	return &Result{StoredIDs: storedIDs, Skipped: skipped}, nil
}

// extract runs the extraction stage with retries.
func (e *Engine) extract(ctx context.Context, window []Turn, personaPrompt string) ([]candidateEvent, error) {
	var b strings.Builder
	if personaPrompt != "" {
		b.WriteString(personaPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString(e.cfg.ExtractionPrompt)
	for _, turn := range window {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	prompt := b.String()

	var candidates []candidateEvent
	err := e.withRetries(ctx, "extraction", func() error {
		raw, err := e.provider.Generate(ctx, prompt, llm.WithTemperature(0.2))
		if err != nil {
			return err
		}
		parsed, err := parseEventArray(raw)
		if err != nil {
			return err
		}
		candidates = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// validate drops empty content, unknown event types, and duplicates against
// both the batch and the session's active memories.
func (e *Engine) validate(ctx context.Context, candidates []candidateEvent, sessionID string) ([]candidateEvent, int, error) {
	existing, err := e.activeFingerprints(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}

	var events []candidateEvent
	skipped := 0
	for _, c := range candidates {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			skipped++
			continue
		}
		if !storage.ValidEventType(storage.EventType(c.EventType)) {
			skipped++
			continue
		}
		fp := Fingerprint(content)
		if _, dup := existing[fp]; dup {
			skipped++
			continue
		}
		existing[fp] = struct{}{}
		events = append(events, candidateEvent{Content: content, EventType: c.EventType})
	}
	return events, skipped, nil
}

// activeFingerprints collects the fingerprints of the session's active
// memories, including session-less shared ones.
func (e *Engine) activeFingerprints(ctx context.Context, sessionID string) (map[string]struct{}, error) {
	fingerprints := make(map[string]struct{})
	filter := storage.Filter{Status: storage.StatusActive, SessionID: sessionID}
	err := e.store.Scan(ctx, 200, filter, func(ctx context.Context, page []*storage.Record) error {
		for _, rec := range page {
			fingerprints[Fingerprint(rec.Content)] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fingerprint scan: %w", err)
	}
	return fingerprints, nil
}

// score runs the evaluation stage with retries and returns one clamped
// importance per event, aligned with the input.
func (e *Engine) score(ctx context.Context, events []candidateEvent, personaPrompt string) ([]float64, error) {
	var b strings.Builder
	if personaPrompt != "" {
		b.WriteString(personaPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString(e.cfg.EvaluationPrompt)
	for i, ev := range events {
		fmt.Fprintf(&b, "e%d [%s]: %s\n", i+1, ev.EventType, ev.Content)
	}
	prompt := b.String()

	scores := make([]float64, len(events))
	err := e.withRetries(ctx, "evaluation", func() error {
		raw, err := e.provider.Generate(ctx, prompt, llm.WithTemperature(0.0))
		if err != nil {
			return err
		}
		parsed, err := parseScoreMap(raw)
		if err != nil {
			return err
		}
		for i := range events {
			score, ok := parsed[fmt.Sprintf("e%d", i+1)]
			if !ok {
				return fmt.Errorf("missing score for e%d: %w", i+1, ErrMalformedOutput)
			}
			scores[i] = clamp01(score)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}

// commit embeds the surviving events in one batch and inserts them.
func (e *Engine) commit(ctx context.Context, events []candidateEvent, importances []float64, sessionID, personaID string) ([]int64, error) {
	texts := make([]string, len(events))
	for i, ev := range events {
		texts[i] = ev.Content
	}
	vectors, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}

	now := e.now().Unix()
	storedIDs := make([]int64, 0, len(events))
	for i, ev := range events {
		docID, err := e.store.Insert(ctx, &storage.Record{
			Content:    ev.Content,
			EventType:  storage.EventType(ev.EventType),
			Importance: importances[i],
			CreateTime: now,
			SessionID:  sessionID,
			PersonaID:  personaID,
			Status:     storage.StatusActive,
			Embedding:  vectors[i],
		})
		if err != nil {
			return storedIDs, fmt.Errorf("insert: %w", err)
		}
		if e.sparse != nil {
			e.sparse.Add(docID, e.tokenizer.Tokenize(ev.Content))
		}
		storedIDs = append(storedIDs, docID)
	}
	return storedIDs, nil
}

// withRetries runs fn up to MaxRetries times with exponential backoff.
func (e *Engine) withRetries(ctx context.Context, stage string, fn func() error) error {
	var err error
	delay := e.cfg.RetryBaseDelay
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt < e.cfg.MaxRetries {
			e.logger.Warn("stage failed, retrying", "stage", stage, "attempt", attempt, "err", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", stage, e.cfg.MaxRetries, err)
}

// stripCodeFences removes a surrounding markdown code block, if any.
func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func parseEventArray(raw string) ([]candidateEvent, error) {
	s := stripCodeFences(raw)
	var events []candidateEvent
	if err := json.Unmarshal([]byte(s), &events); err != nil {
		return nil, fmt.Errorf("parse events: %v: %w", err, ErrMalformedOutput)
	}
	return events, nil
}

func parseScoreMap(raw string) (map[string]float64, error) {
	s := stripCodeFences(raw)

	var wrapped struct {
		Scores map[string]float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(s), &wrapped); err == nil && wrapped.Scores != nil {
		return wrapped.Scores, nil
	}

	var plain map[string]float64
	if err := json.Unmarshal([]byte(s), &plain); err != nil {
		return nil, fmt.Errorf("parse scores: %v: %w", err, ErrMalformedOutput)
	}
	return plain, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
