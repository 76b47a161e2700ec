package forgetting

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/livingmem/livingmem-go/pkg/retrieval"
	"github.com/livingmem/livingmem-go/pkg/storage"
)

// ErrPassRunning is returned when a forgetting pass is requested while
// another pass or a nuke is already in flight.
var ErrPassRunning = errors.New("forgetting pass already running")

const (
	DefaultDecayRate         = 0.005
	DefaultRetentionDays     = 90
	DefaultDeleteThreshold   = 0.1
	DefaultCheckIntervalHrs  = 24
	DefaultForgettingBatch   = 500
	secondsPerDay            = 86400.0
)

// Config controls the decay schedule and the deletion policy.
type Config struct {
	// DecayRate is the per-day exponential decay factor applied to
	// importance when deciding whether a memory has faded out.
	DecayRate float64 `json:"decay_rate"`

	// RetentionDays is the minimum age before a memory becomes eligible
	// for deletion, regardless of its decayed importance.
	RetentionDays int `json:"retention_days"`

	// DeleteThreshold is the decayed-importance floor. Memories at or
	// above it survive the pass.
	DeleteThreshold float64 `json:"delete_threshold"`

	// CheckIntervalHours is the period between automatic passes.
	CheckIntervalHours int `json:"check_interval_hours"`

	// BatchSize is the page size used when scanning the store.
	BatchSize int `json:"forgetting_batch_size"`
}

func (c Config) withDefaults() Config {
	if c.DecayRate <= 0 {
		c.DecayRate = DefaultDecayRate
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.DeleteThreshold <= 0 {
		c.DeleteThreshold = DefaultDeleteThreshold
	}
	if c.CheckIntervalHours <= 0 {
		c.CheckIntervalHours = DefaultCheckIntervalHrs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultForgettingBatch
	}
	return c
}

// PassSummary reports the outcome of one forgetting pass.
type PassSummary struct {
	Scanned int           `json:"scanned"`
	Deleted int           `json:"deleted"`
	Elapsed time.Duration `json:"elapsed"`
}

// Agent runs periodic forgetting passes over active memories and owns
// the destructive nuke operation. A pass and a nuke never overlap.
type Agent struct {
	store  storage.Store
	sparse *retrieval.BM25Index
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	// opMu serializes passes and nukes against each other.
	opMu sync.Mutex

	nukeMu  sync.Mutex
	pending *nukeOp
}

// NewAgent builds a forgetting agent. sparse may be nil when no sparse
// index is maintained.
func NewAgent(store storage.Store, sparse *retrieval.BM25Index, cfg Config, logger *log.Logger) *Agent {
	if logger == nil {
		logger = log.Default()
	}
	return &Agent{
		store:  store,
		sparse: sparse,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Run executes passes every CheckIntervalHours until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	interval := time.Duration(a.cfg.CheckIntervalHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := a.RunPass(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					a.logger.Error("forgetting pass failed", "error", err)
				}
				continue
			}
			a.logger.Info("forgetting pass complete",
				"scanned", summary.Scanned,
				"deleted", summary.Deleted,
				"elapsed", summary.Elapsed)
		}
	}
}

// DecayedImportance returns the importance of a memory after age-based
// decay. Decay is computed from create_time at read time and is never
// written back to the store.
func (a *Agent) DecayedImportance(importance float64, createTime, nowUnix int64) float64 {
	ageDays := float64(nowUnix-createTime) / secondsPerDay
	if ageDays < 0 {
		ageDays = 0
	}
	return importance * math.Pow(1-a.cfg.DecayRate, ageDays)
}

// RunPass scans active memories once and deletes those that are both
// past the retention window and decayed below the threshold. Only one
// pass runs at a time; a pass refuses to start while a nuke is firing.
func (a *Agent) RunPass(ctx context.Context) (PassSummary, error) {
	if !a.opMu.TryLock() {
		return PassSummary{}, ErrPassRunning
	}
	defer a.opMu.Unlock()

	start := a.now()
	nowUnix := start.Unix()
	retentionSecs := int64(a.cfg.RetentionDays) * int64(secondsPerDay)

	var summary PassSummary
	filter := storage.Filter{Status: storage.StatusActive}

	err := a.store.Scan(ctx, a.cfg.BatchSize, filter, func(ctx context.Context, page []*storage.Record) error {
		summary.Scanned += len(page)

		var doomed []int64
		for _, rec := range page {
			if nowUnix-rec.CreateTime <= retentionSecs {
				continue
			}
			if a.DecayedImportance(rec.Importance, rec.CreateTime, nowUnix) >= a.cfg.DeleteThreshold {
				continue
			}
			doomed = append(doomed, rec.DocID)
		}
		if len(doomed) == 0 {
			return ctx.Err()
		}

		deleted, err := a.store.DeleteMany(ctx, doomed)
		if err != nil {
			return err
		}
		summary.Deleted += deleted
		if a.sparse != nil {
			a.sparse.RemoveMany(doomed)
		}
		return ctx.Err()
	})

	summary.Elapsed = a.now().Sub(start)
	if err != nil {
		return summary, err
	}
	return summary, nil
}
