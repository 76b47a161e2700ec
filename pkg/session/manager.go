package session

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	DefaultMaxSessions   = 1000
	DefaultSessionTTL    = time.Hour
	DefaultMaxHistory    = 100
	DefaultTriggerRounds = 5
	DefaultSweepInterval = time.Minute
)

// Message is one turn of dialogue held in a session buffer.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Config bounds the session cache and the reflection trigger.
type Config struct {
	// MaxSessions is the LRU capacity. The least recently touched
	// session is evicted on overflow.
	MaxSessions int `json:"max_sessions"`

	// SessionTTL is the idle expiry. A session untouched for longer is
	// dropped lazily on access and by the periodic sweep.
	SessionTTL time.Duration `json:"session_ttl"`

	// MaxHistory bounds the per-session message buffer. Oldest messages
	// are discarded first.
	MaxHistory int `json:"max_history"`

	// TriggerRounds is the number of completed user/assistant rounds
	// after which Append hands back the window for reflection.
	TriggerRounds int `json:"summary_trigger_rounds"`

	// SweepInterval is the period of the background expiry sweep.
	SweepInterval time.Duration `json:"sweep_interval"`
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.TriggerRounds <= 0 {
		c.TriggerRounds = DefaultTriggerRounds
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

type entry struct {
	id          string
	messages    []Message
	rounds      int
	lastTouched time.Time
}

// Manager is a bounded LRU of per-session dialogue windows with idle
// expiry. A single coarse lock guards all state.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*list.Element
	lru      *list.List // front = most recently touched
	logger   *log.Logger
	now      func() time.Time
}

// NewManager builds a session manager with the given bounds.
func NewManager(cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		sessions: map[string]*list.Element{},
		lru:      list.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// Append adds a message to the session buffer, creating the session if
// needed. When an assistant message closes a round and the round count
// reaches the trigger, Append returns a snapshot of the buffered window
// and resets the counter; otherwise it returns nil.
func (m *Manager) Append(sessionID, role, content string, timestamp int64) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	ent := m.touch(sessionID, now)
	if ent == nil {
		ent = m.create(sessionID, now)
	}

	closesRound := role == "assistant" &&
		len(ent.messages) > 0 &&
		ent.messages[len(ent.messages)-1].Role == "user"

	ent.messages = append(ent.messages, Message{Role: role, Content: content, Timestamp: timestamp})
	if len(ent.messages) > m.cfg.MaxHistory {
		ent.messages = ent.messages[len(ent.messages)-m.cfg.MaxHistory:]
	}

	if !closesRound {
		return nil
	}
	ent.rounds++
	if ent.rounds < m.cfg.TriggerRounds {
		return nil
	}
	ent.rounds = 0
	window := make([]Message, len(ent.messages))
	copy(window, ent.messages)
	return window
}

// Get returns a copy of the session buffer, or false when the session
// is absent or expired.
func (m *Manager) Get(sessionID string) ([]Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent := m.touch(sessionID, m.now())
	if ent == nil {
		return nil, false
	}
	out := make([]Message, len(ent.messages))
	copy(out, ent.messages)
	return out, true
}

// Len reports the number of live sessions, counting entries that have
// expired but not yet been swept.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep drops all expired sessions and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for el := m.lru.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if now.Sub(ent.lastTouched) > m.cfg.SessionTTL {
			m.remove(el)
			removed++
		}
		el = prev
	}
	if removed > 0 {
		m.logger.Debug("swept expired sessions", "removed", removed)
	}
	return removed
}

// RunSweeper sweeps periodically until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// touch returns the live entry for sessionID, refreshing its recency,
// or nil when the session is absent or expired. Expired entries are
// removed. Caller holds m.mu.
func (m *Manager) touch(sessionID string, now time.Time) *entry {
	el, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	ent := el.Value.(*entry)
	if now.Sub(ent.lastTouched) > m.cfg.SessionTTL {
		m.remove(el)
		return nil
	}
	ent.lastTouched = now
	m.lru.MoveToFront(el)
	return ent
}

// create inserts a fresh entry, evicting the least recently touched
// session on overflow. Caller holds m.mu.
func (m *Manager) create(sessionID string, now time.Time) *entry {
	if len(m.sessions) >= m.cfg.MaxSessions {
		if oldest := m.lru.Back(); oldest != nil {
			evicted := oldest.Value.(*entry)
			m.remove(oldest)
			m.logger.Debug("evicted session", "session_id", evicted.id)
		}
	}
	ent := &entry{id: sessionID, lastTouched: now}
	m.sessions[sessionID] = m.lru.PushFront(ent)
	return ent
}

func (m *Manager) remove(el *list.Element) {
	ent := el.Value.(*entry)
	m.lru.Remove(el)
	delete(m.sessions, ent.id)
}
