package core

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/livingmem/livingmem-go/pkg/retrieval"
)

// Config is the full engine configuration, built once at startup and
// validated before anything runs.
type Config struct {
	Timezone   string           `json:"timezone"`
	Session    SessionConfig    `json:"session_manager"`
	Recall     RecallConfig     `json:"recall_engine"`
	Reflection ReflectionConfig `json:"reflection_engine"`
	Forgetting ForgettingConfig `json:"forgetting_agent"`
	Fusion     FusionConfig     `json:"fusion"`
	Sparse     SparseConfig     `json:"sparse_retriever"`
	Filtering  FilteringConfig  `json:"filtering_settings"`
}

type SessionConfig struct {
	MaxSessions int `json:"max_sessions"`
	// SessionTTL is idle expiry in seconds.
	SessionTTL int `json:"session_ttl"`
	MaxHistory int `json:"max_history"`
}

type RecallConfig struct {
	TopK             int     `json:"top_k"`
	RecallStrategy   string  `json:"recall_strategy"`
	RetrievalMode    string  `json:"retrieval_mode"`
	SimilarityWeight float64 `json:"similarity_weight"`
	ImportanceWeight float64 `json:"importance_weight"`
	RecencyWeight    float64 `json:"recency_weight"`
	RecencyTauDays   float64 `json:"recency_tau_days"`
}

type ReflectionConfig struct {
	SummaryTriggerRounds  int     `json:"summary_trigger_rounds"`
	ImportanceThreshold   float64 `json:"importance_threshold"`
	EventExtractionPrompt string  `json:"event_extraction_prompt"`
	EvaluationPrompt      string  `json:"evaluation_prompt"`
	MaxRetries            int     `json:"max_retries"`
}

type ForgettingConfig struct {
	Enabled             bool    `json:"enabled"`
	CheckIntervalHours  int     `json:"check_interval_hours"`
	RetentionDays       int     `json:"retention_days"`
	ImportanceDecayRate float64 `json:"importance_decay_rate"`
	ImportanceThreshold float64 `json:"importance_threshold"`
	ForgettingBatchSize int     `json:"forgetting_batch_size"`
}

type FusionConfig struct {
	Strategy        string  `json:"strategy"`
	RRFK            int     `json:"rrf_k"`
	DenseWeight     float64 `json:"dense_weight"`
	SparseWeight    float64 `json:"sparse_weight"`
	ConvexLambda    float64 `json:"convex_lambda"`
	InterleaveRatio float64 `json:"interleave_ratio"`
	RankBiasFactor  float64 `json:"rank_bias_factor"`
	DiversityBonus  float64 `json:"diversity_bonus"`
}

type SparseConfig struct {
	Enabled             bool    `json:"enabled"`
	BM25K1              float64 `json:"bm25_k1"`
	BM25B               float64 `json:"bm25_b"`
	UseWordSegmentation bool    `json:"use_word_segmentation"`
}

type FilteringConfig struct {
	UsePersonaFiltering bool `json:"use_persona_filtering"`
	UseSessionFiltering bool `json:"use_session_filtering"`
}

// DefaultConfig returns the configuration used when a key is absent.
func DefaultConfig() Config {
	return Config{
		Timezone: "UTC",
		Session: SessionConfig{
			MaxSessions: 1000,
			SessionTTL:  3600,
			MaxHistory:  100,
		},
		Recall: RecallConfig{
			TopK:             5,
			RecallStrategy:   "similarity",
			RetrievalMode:    "hybrid",
			SimilarityWeight: 0.6,
			ImportanceWeight: 0.2,
			RecencyWeight:    0.2,
			RecencyTauDays:   30,
		},
		Reflection: ReflectionConfig{
			SummaryTriggerRounds: 5,
			ImportanceThreshold:  0.5,
			MaxRetries:           3,
		},
		Forgetting: ForgettingConfig{
			Enabled:             true,
			CheckIntervalHours:  24,
			RetentionDays:       90,
			ImportanceDecayRate: 0.005,
			ImportanceThreshold: 0.1,
			ForgettingBatchSize: 500,
		},
		Fusion: FusionConfig{
			Strategy:        "rrf",
			RRFK:            60,
			DenseWeight:     0.5,
			SparseWeight:    0.5,
			ConvexLambda:    0.5,
			InterleaveRatio: 0.5,
			RankBiasFactor:  0.1,
			DiversityBonus:  0.01,
		},
		Sparse: SparseConfig{
			Enabled: true,
			BM25K1:  retrieval.DefaultBM25K1,
			BM25B:   retrieval.DefaultBM25B,
		},
		Filtering: FilteringConfig{
			UseSessionFiltering: true,
		},
	}
}

// SessionTTLDuration converts the configured seconds into a Duration.
func (c SessionConfig) SessionTTLDuration() time.Duration {
	return time.Duration(c.SessionTTL) * time.Second
}

// Validate reports the first configuration problem found. All errors
// wrap ErrInvalidConfig.
func (c Config) Validate() error {
	switch c.Recall.RecallStrategy {
	case "similarity", "weighted":
	default:
		return fmt.Errorf("%w: recall_engine.recall_strategy %q", ErrInvalidConfig, c.Recall.RecallStrategy)
	}

	switch c.Recall.RetrievalMode {
	case "hybrid", "dense", "sparse":
	default:
		return fmt.Errorf("%w: recall_engine.retrieval_mode %q", ErrInvalidConfig, c.Recall.RetrievalMode)
	}
	if c.Recall.RetrievalMode != "dense" && !c.Sparse.Enabled {
		return fmt.Errorf("%w: retrieval_mode %q requires sparse_retriever.enabled", ErrInvalidConfig, c.Recall.RetrievalMode)
	}

	if !retrieval.ValidFusionStrategy(retrieval.FusionStrategy(c.Fusion.Strategy)) {
		return fmt.Errorf("%w: fusion.strategy %q", ErrInvalidConfig, c.Fusion.Strategy)
	}

	if c.Recall.TopK <= 0 {
		return fmt.Errorf("%w: recall_engine.top_k must be positive", ErrInvalidConfig)
	}
	if t := c.Reflection.ImportanceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("%w: reflection_engine.importance_threshold out of [0,1]", ErrInvalidConfig)
	}
	if t := c.Forgetting.ImportanceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("%w: forgetting_agent.importance_threshold out of [0,1]", ErrInvalidConfig)
	}
	if r := c.Forgetting.ImportanceDecayRate; r < 0 || r >= 1 {
		return fmt.Errorf("%w: forgetting_agent.importance_decay_rate out of [0,1)", ErrInvalidConfig)
	}
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("%w: session_manager.max_sessions must be positive", ErrInvalidConfig)
	}
	if c.Session.SessionTTL <= 0 {
		return fmt.Errorf("%w: session_manager.session_ttl must be positive", ErrInvalidConfig)
	}
	return nil
}

// knownKeys maps each config section to its recognized keys, used to
// warn about entries that will be silently ignored by the decoder.
var knownKeys = map[string]map[string]bool{
	"": {
		"timezone": true, "session_manager": true, "recall_engine": true,
		"reflection_engine": true, "forgetting_agent": true, "fusion": true,
		"sparse_retriever": true, "filtering_settings": true,
	},
	"session_manager": {
		"max_sessions": true, "session_ttl": true, "max_history": true,
	},
	"recall_engine": {
		"top_k": true, "recall_strategy": true, "retrieval_mode": true,
		"similarity_weight": true, "importance_weight": true,
		"recency_weight": true, "recency_tau_days": true,
	},
	"reflection_engine": {
		"summary_trigger_rounds": true, "importance_threshold": true,
		"event_extraction_prompt": true, "evaluation_prompt": true,
		"max_retries": true,
	},
	"forgetting_agent": {
		"enabled": true, "check_interval_hours": true, "retention_days": true,
		"importance_decay_rate": true, "importance_threshold": true,
		"forgetting_batch_size": true,
	},
	"fusion": {
		"strategy": true, "rrf_k": true, "dense_weight": true,
		"sparse_weight": true, "convex_lambda": true, "interleave_ratio": true,
		"rank_bias_factor": true, "diversity_bonus": true,
	},
	"sparse_retriever": {
		"enabled": true, "bm25_k1": true, "bm25_b": true,
		"use_word_segmentation": true,
	},
	"filtering_settings": {
		"use_persona_filtering": true, "use_session_filtering": true,
	},
}

// LoadConfigFromFile reads a JSON config file over the defaults.
// Unknown keys are logged as warnings, not errors.
func LoadConfigFromFile(path string, logger *log.Logger) (Config, error) {
	if logger == nil {
		logger = log.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	warnUnknown(raw, "", logger)
	for section, body := range raw {
		sectionKeys, ok := knownKeys[section]
		if !ok || sectionKeys == nil {
			continue
		}
		var nested map[string]json.RawMessage
		if json.Unmarshal(body, &nested) == nil {
			warnUnknown(nested, section, logger)
		}
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func warnUnknown(raw map[string]json.RawMessage, section string, logger *log.Logger) {
	known := knownKeys[section]
	for key := range raw {
		if !known[key] {
			if section != "" {
				key = section + "." + key
			}
			logger.Warn("unknown configuration key ignored", "key", key)
		}
	}
}

// LoadDotenv loads .env files into the process environment so provider
// credentials and overrides can be read with os.Getenv. Missing files
// are not an error when no explicit path is given.
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
	}
	return godotenv.Load(files...)
}

// ApplyEnvOverrides patches cfg with LIVINGMEM_* environment variables.
// Unparseable values are warned about and skipped.
func ApplyEnvOverrides(cfg *Config, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}

	if v := os.Getenv("LIVINGMEM_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Recall.TopK = n
		} else {
			logger.Warn("ignoring LIVINGMEM_TOP_K", "value", v)
		}
	}
	if v := os.Getenv("LIVINGMEM_RETRIEVAL_MODE"); v != "" {
		cfg.Recall.RetrievalMode = v
	}
	if v := os.Getenv("LIVINGMEM_RECALL_STRATEGY"); v != "" {
		cfg.Recall.RecallStrategy = v
	}
	if v := os.Getenv("LIVINGMEM_FUSION_STRATEGY"); v != "" {
		cfg.Fusion.Strategy = v
	}
	if v := os.Getenv("LIVINGMEM_FORGETTING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Forgetting.Enabled = b
		} else {
			logger.Warn("ignoring LIVINGMEM_FORGETTING_ENABLED", "value", v)
		}
	}
	if v := os.Getenv("LIVINGMEM_SESSION_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.SessionTTL = n
		} else {
			logger.Warn("ignoring LIVINGMEM_SESSION_TTL", "value", v)
		}
	}
}
