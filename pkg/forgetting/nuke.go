package forgetting

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultNukeDelay is the grace period between requesting a nuke and
// the actual deletion, during which it can still be cancelled.
const DefaultNukeDelay = 30 * time.Second

var (
	// ErrNukePending is returned when a nuke is requested while another
	// one is still waiting to fire.
	ErrNukePending = errors.New("nuke already pending")

	// ErrNoPendingNuke is returned when cancelling with no nuke pending
	// or with an operation id that does not match the pending one.
	ErrNoPendingNuke = errors.New("no matching pending nuke")
)

type nukeOp struct {
	id    string
	timer *time.Timer
	done  chan struct{}
}

// RequestNuke schedules deletion of every memory in the store. The
// returned operation id identifies the request for CancelNuke. The
// deletion fires after DefaultNukeDelay unless cancelled.
func (a *Agent) RequestNuke() (string, error) {
	return a.requestNukeAfter(DefaultNukeDelay)
}

func (a *Agent) requestNukeAfter(delay time.Duration) (string, error) {
	a.nukeMu.Lock()
	defer a.nukeMu.Unlock()

	if a.pending != nil {
		return "", ErrNukePending
	}

	op := &nukeOp{id: uuid.NewString(), done: make(chan struct{})}
	op.timer = time.AfterFunc(delay, func() { a.fireNuke(op) })
	a.pending = op

	a.logger.Warn("nuke requested", "operation_id", op.id, "fires_in", delay)
	return op.id, nil
}

// CancelNuke aborts a pending nuke. It fails once the nuke has fired
// or when operationID does not match the pending request.
func (a *Agent) CancelNuke(operationID string) error {
	a.nukeMu.Lock()
	defer a.nukeMu.Unlock()

	if a.pending == nil || a.pending.id != operationID {
		return ErrNoPendingNuke
	}
	if !a.pending.timer.Stop() {
		// Timer already fired; fireNuke owns cleanup.
		return ErrNoPendingNuke
	}
	a.logger.Info("nuke cancelled", "operation_id", a.pending.id)
	a.pending = nil
	return nil
}

func (a *Agent) fireNuke(op *nukeOp) {
	defer close(op.done)

	// Block out concurrent forgetting passes while wiping.
	a.opMu.Lock()
	defer a.opMu.Unlock()

	err := a.store.DeleteAll(context.Background())
	if err != nil {
		a.logger.Error("nuke failed", "operation_id", op.id, "error", err)
	} else {
		if a.sparse != nil {
			a.sparse.Clear()
		}
		a.logger.Warn("nuke fired, all memories deleted", "operation_id", op.id)
	}

	a.nukeMu.Lock()
	if a.pending == op {
		a.pending = nil
	}
	a.nukeMu.Unlock()
}
