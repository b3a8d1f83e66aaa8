package transport

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"github.com/seantiz/taskdirector/internal/envelope"
)

// mailbox is an unbounded FIFO of envelopes with a single consumer.
// Posting never blocks, so the coordinator cannot stall on a busy worker.
type mailbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		q:      queue.New(),
		notify: make(chan struct{}, 1),
	}
}

func (m *mailbox) push(env *envelope.Envelope) {
	m.mu.Lock()
	m.q.Add(env)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// pop blocks until an envelope is available or ctx is done.
func (m *mailbox) pop(ctx context.Context) (*envelope.Envelope, error) {
	for {
		m.mu.Lock()
		if m.q.Length() > 0 {
			env := m.q.Remove().(*envelope.Envelope)
			m.mu.Unlock()
			return env, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length()
}
