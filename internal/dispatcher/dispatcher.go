package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/router"
	"github.com/seantiz/taskdirector/internal/transport"
)

// Dispatcher runs task types on pools of execution contexts created by a
// transport.Spawner. It is safe for concurrent use.
type Dispatcher struct {
	spawner transport.Spawner
	logger  *slog.Logger
	journal *Journal
	broker  *ProgressBroker
	// defaultMax sizes pools whose descriptor leaves MaxParallelExecutions unset.
	defaultMax int

	ops      chan func()
	events   chan event
	stop     chan struct{}
	loopDone chan struct{}
	// wg tracks spawns, pumps, terminations and callback deliveries.
	wg sync.WaitGroup

	nextItemID  atomic.Uint64
	disposeOnce sync.Once

	// Owned by the coordinator goroutine.
	registry     *registry
	router       *router.Router
	from         *session
	disposed     bool
	spawnCtx     context.Context
	cancelSpawns context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithJournal records work item history through j.
func WithJournal(j *Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

// WithDefaultMaxParallel sets the pool size for task types registered
// without one. Values below one are ignored.
func WithDefaultMaxParallel(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.defaultMax = n
		}
	}
}

// WithBroker publishes intermediate reports to b instead of a private broker.
func WithBroker(b *ProgressBroker) Option {
	return func(d *Dispatcher) { d.broker = b }
}

// Execution is the handle of an enqueued work item.
type Execution struct {
	*Future[*envelope.Envelope]
	// ID is the work item id, unique within the dispatcher.
	ID uint64
}

// New creates a dispatcher and starts its coordinator.
func New(spawner transport.Spawner, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		spawner:    spawner,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		broker:     NewProgressBroker(),
		defaultMax: DefaultMaxParallelExecutions,
		ops:        make(chan func()),
		events:     make(chan event),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		registry:   newRegistry(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.spawnCtx, d.cancelSpawns = context.WithCancel(context.Background())
	d.router = d.newRouter()

	go d.loop()
	return d
}

// Broker returns the broker intermediate reports are published to.
func (d *Dispatcher) Broker() *ProgressBroker {
	return d.broker
}

// Journal returns the journal, or nil when history is not recorded.
func (d *Dispatcher) Journal() *Journal {
	return d.journal
}

// do runs fn on the coordinator goroutine and waits for it. It reports
// false when the coordinator has stopped.
func (d *Dispatcher) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case d.ops <- func() { fn(); close(done) }:
		<-done
		return true
	case <-d.loopDone:
		return false
	}
}

// RegisterTask adds a task type with an empty pool.
func (d *Dispatcher) RegisterTask(desc Descriptor) error {
	desc, err := desc.normalize(d.defaultMax)
	if err != nil {
		return err
	}

	err = ErrDisposed
	d.do(func() {
		if d.disposed {
			return
		}
		err = d.registry.register(desc)
		if err == nil {
			d.logger.Info("task type registered", "task_type", desc.Name,
				"entry", desc.Entry, "max_parallel", desc.MaxParallelExecutions)
		}
	})
	if err != nil {
		return fmt.Errorf("register %q: %w", desc.Name, err)
	}
	return nil
}

// InitializeTaskType brings the task type's pool up to its initial size and
// runs the init handshake with payload on each new session. The future
// resolves once every targeted session is idle, or fails with
// ErrInitializationFailed as a whole. The payload becomes the init template
// for sessions spawned later; the caller must not reuse its buffers.
func (d *Dispatcher) InitializeTaskType(name string, payload *envelope.Envelope) *Future[struct{}] {
	f := newFuture[struct{}]()
	if payload == nil {
		payload = envelope.New(envelope.CommandInit)
	} else {
		payload = payload.Transfer()
	}
	payload.Command = envelope.CommandInit

	if !d.do(func() { d.initialize(name, payload, f) }) {
		f.resolve(struct{}{}, fmt.Errorf("initialize %q: %w", name, ErrUnknownTaskType))
	}
	return f
}

// EnqueueForExecution submits a work item. It runs on an idle session, or
// waits in the task type's FIFO queue. onIntermediate, if set, receives
// every intermediate report in order before the future resolves. The
// caller must not reuse the payload's buffers.
func (d *Dispatcher) EnqueueForExecution(name string, payload *envelope.Envelope, onIntermediate func(*envelope.Envelope)) *Execution {
	ex := &Execution{
		Future: newFuture[*envelope.Envelope](),
		ID:     d.nextItemID.Add(1),
	}
	if payload == nil {
		payload = envelope.New(envelope.CommandExecute)
	} else {
		payload = payload.Transfer()
	}

	if !d.do(func() { d.enqueue(name, ex, payload, onIntermediate) }) {
		ex.resolve(nil, fmt.Errorf("enqueue %q: %w", name, ErrUnknownTaskType))
	}
	return ex
}

// Snapshot returns the state of every task type, sorted by name.
func (d *Dispatcher) Snapshot() []TaskTypeInfo {
	var infos []TaskTypeInfo
	d.do(func() {
		for _, t := range d.registry.sorted() {
			infos = append(infos, t.info())
		}
	})
	return infos
}

// Dispose terminates every session, cancels every queued and in-flight work
// item and clears the registry. It is safe to call more than once.
//
// Dispose waits for pending spawns and Terminate calls to return. It does not
// wait for a context to close its message stream: an in-process worker that
// ignores its context keeps running in the background after Dispose returns.
func (d *Dispatcher) Dispose() {
	d.disposeOnce.Do(func() {
		d.do(d.shutdown)
		close(d.stop)
		<-d.loopDone
		d.wg.Wait()
	})
}
