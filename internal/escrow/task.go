package escrow

import (
	"context"

	"github.com/google/uuid"

	"swap2p/internal/proposal"
)

// Task is a submission running in the background.
type Task struct {
	ID     string
	cancel context.CancelFunc
	done   chan struct{}
	state  State
	err    error
}

// Done is closed once the submission reaches a terminal phase or is cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel stops waiting locally. Broadcast transactions are not retracted.
func (t *Task) Cancel() { t.cancel() }

// Result blocks until the task finishes and returns its final state.
func (t *Task) Result() (State, error) {
	<-t.done
	return t.state, t.err
}

// Start claims the orchestrator for p and runs the sequence in the
// background. It fails fast with ErrInFlight when another submission holds
// the orchestrator. An empty id is replaced by a generated one.
func (o *Orchestrator) Start(ctx context.Context, id string, p proposal.Proposal) (*Task, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	if _, err := o.session.Snapshot(); err != nil {
		o.inFlight.Store(false)
		return nil, err
	}

	if id == "" {
		id = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &Task{ID: id, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		defer o.inFlight.Store(false)
		t.state, t.err = o.execute(runCtx, id, p)
	}()
	return t, nil
}
