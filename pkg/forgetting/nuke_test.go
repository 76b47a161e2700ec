package forgetting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livingmem/livingmem-go/pkg/retrieval"
	"github.com/livingmem/livingmem-go/pkg/storage"
)

func (a *Agent) pendingOp() *nukeOp {
	a.nukeMu.Lock()
	defer a.nukeMu.Unlock()
	return a.pending
}

func TestNukeFires(t *testing.T) {
	store := newWipeStore()
	sparse := retrieval.NewBM25Index(0, 0)
	tok := retrieval.NewDefaultTokenizer(false)
	store.add(&storage.Record{DocID: 1, Content: "memory", Status: storage.StatusActive})
	sparse.Add(1, tok.Tokenize("memory"))

	agent := NewAgent(store, sparse, Config{}, nil)
	id, err := agent.requestNukeAfter(time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	op := agent.pendingOp()
	require.NotNil(t, op)
	<-op.done

	assert.Equal(t, 0, store.len())
	assert.Equal(t, 0, sparse.Len())
	assert.Nil(t, agent.pendingOp())

	// A new nuke can be requested once the previous one completed.
	_, err = agent.requestNukeAfter(time.Hour)
	require.NoError(t, err)
}

func TestNukeCancel(t *testing.T) {
	store := newWipeStore()
	store.add(&storage.Record{DocID: 1, Content: "memory", Status: storage.StatusActive})

	agent := NewAgent(store, nil, Config{}, nil)
	id, err := agent.requestNukeAfter(time.Hour)
	require.NoError(t, err)

	require.NoError(t, agent.CancelNuke(id))
	assert.Equal(t, 1, store.len())
	assert.Nil(t, agent.pendingOp())

	assert.ErrorIs(t, agent.CancelNuke(id), ErrNoPendingNuke)
}

func TestNukeOnePendingAtATime(t *testing.T) {
	agent := NewAgent(newWipeStore(), nil, Config{}, nil)

	id, err := agent.requestNukeAfter(time.Hour)
	require.NoError(t, err)

	_, err = agent.requestNukeAfter(time.Hour)
	assert.ErrorIs(t, err, ErrNukePending)

	require.NoError(t, agent.CancelNuke(id))
}

func TestNukeCancelWrongID(t *testing.T) {
	agent := NewAgent(newWipeStore(), nil, Config{}, nil)

	id, err := agent.requestNukeAfter(time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, agent.CancelNuke("not-the-id"), ErrNoPendingNuke)
	require.NoError(t, agent.CancelNuke(id))
}

func TestNukeBlocksPass(t *testing.T) {
	now := time.Unix(1000*86400, 0)
	store := newWipeStore()
	store.add(activeRecord(1, 0.05, 200, now))

	agent := NewAgent(store, nil, Config{}, nil)
	agent.now = func() time.Time { return now }

	// Simulate a firing nuke holding the operation lock.
	agent.opMu.Lock()
	_, err := agent.RunPass(context.Background())
	assert.ErrorIs(t, err, ErrPassRunning)
	agent.opMu.Unlock()

	summary, err := agent.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deleted)
}
