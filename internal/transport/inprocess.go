package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/worker"
)

// InProcess runs each context as a goroutine in the current process.
// Envelopes cross the boundary through Transfer, so the two sides never hold
// the same buffer.
type InProcess struct {
	catalog *worker.Catalog
	logger  *slog.Logger
}

// NewInProcess creates a spawner that boots workers from catalog.
func NewInProcess(catalog *worker.Catalog, logger *slog.Logger) *InProcess {
	return &InProcess{catalog: catalog, logger: logger}
}

// Spawn implements Spawner. The bootstrap runs synchronously.
func (p *InProcess) Spawn(ctx context.Context, spec Spec) (Context, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, err := p.catalog.Bootstrap(spec.Boot)
	if err != nil {
		spawnFailures.WithLabelValues(kindInProcess).Inc()
		return nil, fmt.Errorf("bootstrap %s/%d: %w", spec.TaskTypeName, spec.WorkerID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &localContext{
		inbox:  newMailbox(),
		out:    make(chan *envelope.Envelope),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	logger := p.logger.With("task_type", spec.TaskTypeName, "worker_id", spec.WorkerID)
	runner := worker.NewRunner(w, c.send, logger)

	activeContexts.WithLabelValues(kindInProcess).Inc()
	go c.run(runCtx, runner)

	spawnDuration.WithLabelValues(kindInProcess).Observe(time.Since(start).Seconds())
	return c, nil
}

type localContext struct {
	inbox  *mailbox
	out    chan *envelope.Envelope
	done   chan struct{}
	cancel context.CancelFunc

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (c *localContext) run(ctx context.Context, runner *worker.Runner) {
	defer func() {
		activeContexts.WithLabelValues(kindInProcess).Dec()
		close(c.out)
	}()

	for {
		env, err := c.inbox.pop(ctx)
		if err != nil {
			return
		}
		if err := runner.Handle(ctx, env); err != nil {
			c.stop(err)
			return
		}
	}
}

func (c *localContext) send(env *envelope.Envelope) error {
	select {
	case c.out <- env.Transfer():
		return nil
	case <-c.done:
		return ErrTerminated
	}
}

func (c *localContext) Post(env *envelope.Envelope) error {
	select {
	case <-c.done:
		return ErrTerminated
	default:
	}
	c.inbox.push(env.Transfer())
	return nil
}

func (c *localContext) Messages() <-chan *envelope.Envelope { return c.out }

func (c *localContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *localContext) Terminate() error {
	c.stop(ErrTerminated)
	return nil
}

func (c *localContext) stop(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.cancel()
	})
}
