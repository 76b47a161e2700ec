package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(cfg Config) (*Manager, *time.Time) {
	m := NewManager(cfg, nil)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	return m, &now
}

func appendRound(m *Manager, sessionID string, i int) []Message {
	m.Append(sessionID, "user", fmt.Sprintf("question %d", i), int64(i*2))
	return m.Append(sessionID, "assistant", fmt.Sprintf("answer %d", i), int64(i*2+1))
}

func TestAppendTriggersAfterRounds(t *testing.T) {
	m, _ := newTestManager(Config{TriggerRounds: 2})

	assert.Nil(t, appendRound(m, "s1", 1))
	window := appendRound(m, "s1", 2)
	require.NotNil(t, window)
	require.Len(t, window, 4)
	assert.Equal(t, "user", window[0].Role)
	assert.Equal(t, "question 1", window[0].Content)
	assert.Equal(t, "answer 2", window[3].Content)

	// Counter was reset, so the next round does not trigger.
	assert.Nil(t, appendRound(m, "s1", 3))
	window = appendRound(m, "s1", 4)
	require.NotNil(t, window)
	assert.Len(t, window, 8)
}

func TestRoundRequiresUserThenAssistant(t *testing.T) {
	m, _ := newTestManager(Config{TriggerRounds: 1})

	// Assistant without a preceding user message closes nothing.
	assert.Nil(t, m.Append("s1", "assistant", "hello", 1))
	assert.Nil(t, m.Append("s1", "user", "hi", 2))
	assert.Nil(t, m.Append("s1", "user", "anyone there?", 3))
	assert.NotNil(t, m.Append("s1", "assistant", "yes", 4))
}

func TestHistoryBounded(t *testing.T) {
	m, _ := newTestManager(Config{MaxHistory: 3, TriggerRounds: 100})

	for i := 1; i <= 5; i++ {
		m.Append("s1", "user", fmt.Sprintf("m%d", i), int64(i))
	}
	buf, ok := m.Get("s1")
	require.True(t, ok)
	require.Len(t, buf, 3)
	assert.Equal(t, "m3", buf[0].Content)
	assert.Equal(t, "m5", buf[2].Content)
}

func TestLRUEviction(t *testing.T) {
	m, _ := newTestManager(Config{MaxSessions: 2})

	m.Append("s1", "user", "a", 1)
	m.Append("s2", "user", "b", 2)

	// Touch s1 so s2 becomes the eviction candidate.
	_, ok := m.Get("s1")
	require.True(t, ok)

	m.Append("s3", "user", "c", 3)
	assert.Equal(t, 2, m.Len())

	_, ok = m.Get("s2")
	assert.False(t, ok)
	_, ok = m.Get("s1")
	assert.True(t, ok)
	_, ok = m.Get("s3")
	assert.True(t, ok)
}

func TestLazyExpiry(t *testing.T) {
	m, now := newTestManager(Config{SessionTTL: 10 * time.Second})

	m.Append("s1", "user", "a", 1)
	*now = now.Add(11 * time.Second)

	_, ok := m.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())

	// A fresh append starts an empty buffer.
	m.Append("s1", "user", "b", 2)
	buf, ok := m.Get("s1")
	require.True(t, ok)
	assert.Len(t, buf, 1)
}

func TestSweep(t *testing.T) {
	m, now := newTestManager(Config{SessionTTL: 10 * time.Second})

	m.Append("s1", "user", "a", 1)
	m.Append("s2", "user", "b", 2)
	*now = now.Add(5 * time.Second)
	m.Append("s3", "user", "c", 3)
	*now = now.Add(6 * time.Second)

	removed := m.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, m.Len())

	_, ok := m.Get("s3")
	assert.True(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	m, _ := newTestManager(Config{})

	m.Append("s1", "user", "original", 1)
	buf, ok := m.Get("s1")
	require.True(t, ok)
	buf[0].Content = "mutated"

	buf2, _ := m.Get("s1")
	assert.Equal(t, "original", buf2[0].Content)
}

func TestWindowSnapshotIsolated(t *testing.T) {
	m, _ := newTestManager(Config{TriggerRounds: 1})

	window := appendRound(m, "s1", 1)
	require.Len(t, window, 2)

	// Later appends do not leak into the snapshot.
	m.Append("s1", "user", "later", 10)
	assert.Len(t, window, 2)
}
