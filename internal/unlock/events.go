package unlock

import (
	"sync"

	"github.com/fentz26/baziunlock/internal/models"
)

// EventKind classifies orchestrator events.
type EventKind int

const (
	EventSucceeded EventKind = iota
	EventFailed
	EventBalanceChanged
)

func (k EventKind) String() string {
	switch k {
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	case EventBalanceChanged:
		return "balance_changed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Kind            EventKind
	Key             models.TaskKey
	Content         string
	AlreadyUnlocked bool
	Err             *UnlockError
	Balance         int
}

type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// publish delivers ev without blocking and returns how many subscribers missed it.
func (b *broadcaster) publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}
