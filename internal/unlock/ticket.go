package unlock

import (
	"context"
	"sync"

	"github.com/fentz26/baziunlock/internal/models"
)

// Result is a successful unlock.
type Result struct {
	Key             models.TaskKey
	Content         string
	AlreadyUnlocked bool
}

// Ticket resolves once when an unlock reaches a terminal state.
type Ticket struct {
	Key models.TaskKey

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newTicket(key models.TaskKey) *Ticket {
	return &Ticket{Key: key, done: make(chan struct{})}
}

// resolve records the outcome. Only the first call has an effect.
func (t *Ticket) resolve(res Result, err error) bool {
	resolved := false
	t.once.Do(func() {
		t.result = res
		t.err = err
		close(t.done)
		resolved = true
	})
	return resolved
}

// Done is closed when the ticket resolves.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the ticket resolves or ctx ends. A terminal failure is
// returned as *UnlockError or, for a rejected submission, the API error.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Resolved reports whether the ticket has an outcome.
func (t *Ticket) Resolved() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
