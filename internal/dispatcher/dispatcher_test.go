package dispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/taskdirector/internal/dispatcher"
	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/transport"
	"github.com/seantiz/taskdirector/internal/worker"
	"github.com/seantiz/taskdirector/internal/worker/builtin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gate is a worker implementation that holds every execute until release
// is closed, recording execution order and peak concurrency.
type gate struct {
	release chan struct{}

	mu    sync.Mutex
	order []uint64
	busy  int
	peak  int
}

func newGate() *gate {
	return &gate{release: make(chan struct{})}
}

func (g *gate) factory(*worker.Scope) (worker.Worker, error) {
	return &gatedWorker{g: g}, nil
}

func (g *gate) executed() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint64(nil), g.order...)
}

func (g *gate) peakBusy() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

type gatedWorker struct{ g *gate }

func (*gatedWorker) Init(context.Context, *envelope.Envelope) error { return nil }

func (w *gatedWorker) Execute(ctx context.Context, msg *envelope.Envelope, emit worker.Emitter) (*envelope.Envelope, error) {
	w.g.mu.Lock()
	w.g.order = append(w.g.order, msg.WorkItemID)
	w.g.busy++
	w.g.peak = max(w.g.peak, w.g.busy)
	w.g.mu.Unlock()

	defer func() {
		w.g.mu.Lock()
		w.g.busy--
		w.g.mu.Unlock()
	}()

	select {
	case <-w.g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if msg.Param("steps") == "3" {
		for i := 1; i <= 3; i++ {
			step := envelope.New(envelope.CommandIntermediate)
			step.Progress = float64(i) / 3
			step.SetParam("step", fmt.Sprint(i))
			if err := emit.Intermediate(step); err != nil {
				return nil, err
			}
		}
	}
	if msg.Param("fail") != "" {
		return nil, errors.New(msg.Param("fail"))
	}
	return msg.Transfer(), nil
}

// brokenWorker fails its init handshake.
type brokenWorker struct{}

func (brokenWorker) Init(context.Context, *envelope.Envelope) error {
	return errors.New("no such model")
}

func (brokenWorker) Execute(context.Context, *envelope.Envelope, worker.Emitter) (*envelope.Envelope, error) {
	return nil, errors.New("unreachable")
}

func newInProcess(t *testing.T, g *gate) transport.Spawner {
	t.Helper()
	c := worker.NewCatalog()
	builtin.Register(c)
	if g != nil {
		c.RegisterEntry("gate", g.factory)
	}
	c.RegisterEntry("broken", func(*worker.Scope) (worker.Worker, error) { return brokenWorker{}, nil })
	return transport.NewInProcess(c, testLogger())
}

func newDispatcher(t *testing.T, sp transport.Spawner, opts ...dispatcher.Option) *dispatcher.Dispatcher {
	t.Helper()
	d := dispatcher.New(sp, append([]dispatcher.Option{dispatcher.WithLogger(testLogger())}, opts...)...)
	t.Cleanup(d.Dispose)
	return d
}

func register(t *testing.T, d *dispatcher.Dispatcher, desc dispatcher.Descriptor) {
	t.Helper()
	if err := d.RegisterTask(desc); err != nil {
		t.Fatalf("RegisterTask(%s): %v", desc.Name, err)
	}
}

// await waits for f or fails the test after a timeout.
func await[T any](t *testing.T, f *dispatcher.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatal("timed out waiting for future")
	}
	return v, err
}

func initialize(t *testing.T, d *dispatcher.Dispatcher, name string) {
	t.Helper()
	if _, err := await(t, d.InitializeTaskType(name, nil)); err != nil {
		t.Fatalf("InitializeTaskType(%s): %v", name, err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func info(d *dispatcher.Dispatcher, name string) (dispatcher.TaskTypeInfo, bool) {
	for _, i := range d.Snapshot() {
		if i.Descriptor.Name == name {
			return i, true
		}
	}
	return dispatcher.TaskTypeInfo{}, false
}

func sessions(i dispatcher.TaskTypeInfo) int {
	n := 0
	for _, c := range i.Sessions {
		n += c
	}
	return n
}

func payload(kv ...string) *envelope.Envelope {
	env := envelope.New(envelope.CommandExecute)
	for i := 0; i+1 < len(kv); i += 2 {
		env.SetParam(kv[i], kv[i+1])
	}
	return env
}

func TestRegisterTask(t *testing.T) {
	d := newDispatcher(t, newInProcess(t, nil))

	register(t, d, dispatcher.Descriptor{Name: "echo"})
	register(t, d, dispatcher.Descriptor{Name: "small", Entry: builtin.EntryEcho, MaxParallelExecutions: 2, InitialExecutions: 5})

	if err := d.RegisterTask(dispatcher.Descriptor{Name: "echo"}); !errors.Is(err, dispatcher.ErrAlreadyRegistered) {
		t.Errorf("duplicate RegisterTask error = %v, want ErrAlreadyRegistered", err)
	}
	if err := d.RegisterTask(dispatcher.Descriptor{}); err == nil {
		t.Error("RegisterTask without a name succeeded")
	}
	if err := d.RegisterTask(dispatcher.Descriptor{Name: "neg", MaxParallelExecutions: -1}); err == nil {
		t.Error("RegisterTask with a negative pool size succeeded")
	}

	tests := []struct {
		name             string
		entry            string
		max, initial     int
		wantInitialized  bool
		wantSessionCount int
	}{
		{"echo", "echo", dispatcher.DefaultMaxParallelExecutions, dispatcher.DefaultMaxParallelExecutions, false, 0},
		{"small", builtin.EntryEcho, 2, 2, false, 0},
	}
	for _, tt := range tests {
		got, ok := info(d, tt.name)
		if !ok {
			t.Fatalf("Snapshot has no %q", tt.name)
		}
		if got.Descriptor.Entry != tt.entry {
			t.Errorf("%s: Entry = %q, want %q", tt.name, got.Descriptor.Entry, tt.entry)
		}
		if got.Descriptor.MaxParallelExecutions != tt.max {
			t.Errorf("%s: MaxParallelExecutions = %d, want %d", tt.name, got.Descriptor.MaxParallelExecutions, tt.max)
		}
		if got.Descriptor.InitialExecutions != tt.initial {
			t.Errorf("%s: InitialExecutions = %d, want %d", tt.name, got.Descriptor.InitialExecutions, tt.initial)
		}
		if got.Initialized != tt.wantInitialized || sessions(got) != tt.wantSessionCount {
			t.Errorf("%s: pool = %+v, want empty and uninitialized", tt.name, got)
		}
	}
}

func TestDefaultMaxParallel(t *testing.T) {
	d := newDispatcher(t, newInProcess(t, nil), dispatcher.WithDefaultMaxParallel(9))
	register(t, d, dispatcher.Descriptor{Name: "echo"})

	got, ok := info(d, "echo")
	if !ok {
		t.Fatal("Snapshot has no echo")
	}
	if got.Descriptor.MaxParallelExecutions != 9 {
		t.Errorf("MaxParallelExecutions = %d, want 9", got.Descriptor.MaxParallelExecutions)
	}

	d = newDispatcher(t, newInProcess(t, nil), dispatcher.WithDefaultMaxParallel(0))
	register(t, d, dispatcher.Descriptor{Name: "echo"})
	if got, _ := info(d, "echo"); got.Descriptor.MaxParallelExecutions != dispatcher.DefaultMaxParallelExecutions {
		t.Errorf("MaxParallelExecutions = %d, want the package default", got.Descriptor.MaxParallelExecutions)
	}
}

func TestUnknownTaskType(t *testing.T) {
	d := newDispatcher(t, newInProcess(t, nil))

	if _, err := await(t, d.InitializeTaskType("nope", nil)); !errors.Is(err, dispatcher.ErrUnknownTaskType) {
		t.Errorf("InitializeTaskType error = %v, want ErrUnknownTaskType", err)
	}
	if _, err := await(t, d.EnqueueForExecution("nope", nil, nil).Future); !errors.Is(err, dispatcher.ErrUnknownTaskType) {
		t.Errorf("EnqueueForExecution error = %v, want ErrUnknownTaskType", err)
	}
}

func TestEchoPoolIsBounded(t *testing.T) {
	g := newGate()
	d := newDispatcher(t, newInProcess(t, g))
	register(t, d, dispatcher.Descriptor{Name: "echo-bounded", Entry: "gate", MaxParallelExecutions: 2})
	initialize(t, d, "echo-bounded")

	var execs []*dispatcher.Execution
	for i := 0; i < 5; i++ {
		execs = append(execs, d.EnqueueForExecution("echo-bounded", payload("value", fmt.Sprint(i)), nil))
	}

	waitFor(t, "2 busy and 3 queued", func() bool {
		i, _ := info(d, "echo-bounded")
		return i.Busy() == 2 && i.Queued == 3
	})
	if i, _ := info(d, "echo-bounded"); sessions(i) != 2 {
		t.Errorf("pool has %d sessions, want 2", sessions(i))
	}

	close(g.release)

	for i, ex := range execs {
		res, err := await(t, ex.Future)
		if err != nil {
			t.Fatalf("work item %d: %v", ex.ID, err)
		}
		if res.WorkItemID != ex.ID {
			t.Errorf("result WorkItemID = %d, want %d", res.WorkItemID, ex.ID)
		}
		if got := res.Param("value"); got != fmt.Sprint(i) {
			t.Errorf("work item %d value = %q, want %q", ex.ID, got, fmt.Sprint(i))
		}
		if res.Command != envelope.CommandExecuteComplete {
			t.Errorf("result command = %q", res.Command)
		}
	}
	if p := g.peakBusy(); p > 2 {
		t.Errorf("peak concurrent executions = %d, want at most 2", p)
	}

	i, _ := info(d, "echo-bounded")
	if i.Sessions[dispatcher.StateIdle.String()] != 2 || i.Queued != 0 {
		t.Errorf("after drain: %+v, want 2 idle and an empty queue", i)
	}
}

func TestQueueIsFIFO(t *testing.T) {
	g := newGate()
	d := newDispatcher(t, newInProcess(t, g))
	register(t, d, dispatcher.Descriptor{Name: "fifo", Entry: "gate", MaxParallelExecutions: 1})
	initialize(t, d, "fifo")

	var want []uint64
	var execs []*dispatcher.Execution
	for i := 0; i < 6; i++ {
		ex := d.EnqueueForExecution("fifo", nil, nil)
		want = append(want, ex.ID)
		execs = append(execs, ex)
	}
	close(g.release)

	for _, ex := range execs {
		if _, err := await(t, ex.Future); err != nil {
			t.Fatalf("work item %d: %v", ex.ID, err)
		}
	}

	got := g.executed()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("execution order = %v, want %v", got, want)
	}
}

func TestEnqueueBeforeInitialize(t *testing.T) {
	d := newDispatcher(t, newInProcess(t, nil))
	register(t, d, dispatcher.Descriptor{Name: "lazy", Entry: builtin.EntryEcho, MaxParallelExecutions: 2})

	ex := d.EnqueueForExecution("lazy", payload("value", "x"), nil)
	res, err := await(t, ex.Future)
	if err != nil {
		t.Fatalf("EnqueueForExecution: %v", err)
	}
	if res.Param("value") != "x" {
		t.Errorf("value = %q, want x", res.Param("value"))
	}

	i, _ := info(d, "lazy")
	if sessions(i) != 1 {
		t.Errorf("pool has %d sessions, want 1 spawned on demand", sessions(i))
	}
}

func TestInitializeFailure(t *testing.T) {
	d := newDispatcher(t, newInProcess(t, nil))
	register(t, d, dispatcher.Descriptor{Name: "broken", MaxParallelExecutions: 3})

	_, err := await(t, d.InitializeTaskType("broken", nil))
	if !errors.Is(err, dispatcher.ErrInitializationFailed) {
		t.Fatalf("InitializeTaskType error = %v, want ErrInitializationFailed", err)
	}
	if !strings.Contains(err.Error(), "no such model") {
		t.Errorf("error %q does not carry the worker's message", err)
	}

	waitFor(t, "pool to empty", func() bool {
		i, _ := info(d, "broken")
		return sessions(i) == 0
	})

	_, err = await(t, d.EnqueueForExecution("broken", nil, nil).Future)
	if !errors.Is(err, dispatcher.ErrInitializationFailed) {
		t.Errorf("EnqueueForExecution error = %v, want ErrInitializationFailed", err)
	}
}

func TestBootstrapFailure(t *testing.T) {
	d := newDispatcher(t, newInProcess(t, nil))
	register(t, d, dispatcher.Descriptor{Name: "ghost", Entry: "does-not-exist", MaxParallelExecutions: 1})

	if _, err := await(t, d.InitializeTaskType("ghost", nil)); !errors.Is(err, dispatcher.ErrInitializationFailed) {
		t.Errorf("InitializeTaskType error = %v, want ErrInitializationFailed", err)
	}
}

func TestExecutionFailureFreesSession(t *testing.T) {
	g := newGate()
	close(g.release)
	d := newDispatcher(t, newInProcess(t, g))
	register(t, d, dispatcher.Descriptor{Name: "flaky", Entry: "gate", MaxParallelExecutions: 1})
	initialize(t, d, "flaky")

	_, err := await(t, d.EnqueueForExecution("flaky", payload("fail", "disk full"), nil).Future)
	if !errors.Is(err, dispatcher.ErrExecutionFailed) {
		t.Fatalf("error = %v, want ErrExecutionFailed", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error %q does not carry the worker's message", err)
	}

	res, err := await(t, d.EnqueueForExecution("flaky", payload("value", "ok"), nil).Future)
	if err != nil {
		t.Fatalf("second execution: %v", err)
	}
	if res.WorkerID != 1 {
		t.Errorf("second execution ran on worker %d, want the original worker 1", res.WorkerID)
	}
}

func TestIntermediatesArriveBeforeResolution(t *testing.T) {
	g := newGate()
	d := newDispatcher(t, newInProcess(t, g))
	register(t, d, dispatcher.Descriptor{Name: "steps", Entry: "gate", MaxParallelExecutions: 1})
	initialize(t, d, "steps")

	var mu sync.Mutex
	var seen []float64
	ex := d.EnqueueForExecution("steps", payload("steps", "3"), func(env *envelope.Envelope) {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		seen = append(seen, env.Progress)
		mu.Unlock()
	})
	events, unsub := d.Broker().Subscribe(ex.ID)
	defer unsub()
	close(g.release)

	if _, err := await(t, ex.Future); err != nil {
		t.Fatalf("execution: %v", err)
	}

	mu.Lock()
	got := append([]float64(nil), seen...)
	mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("callbacks before resolution = %v, want 3", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Errorf("progress out of order: %v", got)
		}
	}

	var seqs []int
	for ev := range events {
		if ev.WorkItemID != ex.ID || ev.TaskTypeName != "steps" {
			t.Errorf("unexpected event %+v", ev)
		}
		seqs = append(seqs, ev.Seq)
	}
	if fmt.Sprint(seqs) != "[0 1 2]" {
		t.Errorf("broker seqs = %v, want [0 1 2]", seqs)
	}
}

func TestRelayBetweenTaskTypes(t *testing.T) {
	d := newDispatcher(t, newInProcess(t, nil))
	register(t, d, dispatcher.Descriptor{Name: "relay-src", Entry: builtin.EntryRelay, MaxParallelExecutions: 1})
	register(t, d, dispatcher.Descriptor{Name: "relay-dst", Entry: builtin.EntryRelay, MaxParallelExecutions: 1})
	initialize(t, d, "relay-src")
	initialize(t, d, "relay-dst")

	if _, err := await(t, d.EnqueueForExecution("relay-src", payload("target", "relay-dst", "message", "hi"), nil).Future); err != nil {
		t.Fatalf("relay source: %v", err)
	}
	res, err := await(t, d.EnqueueForExecution("relay-dst", nil, nil).Future)
	if err != nil {
		t.Fatalf("relay target: %v", err)
	}
	if got := fmt.Sprint(res.Parameters["received"]); got != "[hi]" {
		t.Errorf("received = %s, want [hi]", got)
	}
}

func TestRelayWithoutTargetIsDropped(t *testing.T) {
	d := newDispatcher(t, newInProcess(t, nil))
	register(t, d, dispatcher.Descriptor{Name: "relay-lonely", Entry: builtin.EntryRelay, MaxParallelExecutions: 1})
	initialize(t, d, "relay-lonely")

	before := metricValue(t, "taskdirector_dispatcher_relays_dropped_total", "relay-lonely")
	if _, err := await(t, d.EnqueueForExecution("relay-lonely", payload("target", "nobody", "message", "hi"), nil).Future); err != nil {
		t.Fatalf("execution: %v", err)
	}
	if after := metricValue(t, "taskdirector_dispatcher_relays_dropped_total", "relay-lonely"); after-before != 1 {
		t.Errorf("dropped relays grew by %v, want 1", after-before)
	}
}

func TestDisposeCancelsEverything(t *testing.T) {
	g := newGate()
	d := newDispatcher(t, newInProcess(t, g))
	register(t, d, dispatcher.Descriptor{Name: "doomed", Entry: "gate", MaxParallelExecutions: 1})
	initialize(t, d, "doomed")

	var execs []*dispatcher.Execution
	for i := 0; i < 3; i++ {
		execs = append(execs, d.EnqueueForExecution("doomed", nil, nil))
	}
	waitFor(t, "1 busy and 2 queued", func() bool {
		i, _ := info(d, "doomed")
		return i.Busy() == 1 && i.Queued == 2
	})

	d.Dispose()

	for _, ex := range execs {
		select {
		case <-ex.Done():
		default:
			t.Fatalf("work item %d unresolved after Dispose", ex.ID)
		}
		if _, err := ex.Result(); !errors.Is(err, dispatcher.ErrCancelled) {
			t.Errorf("work item %d error = %v, want ErrCancelled", ex.ID, err)
		}
	}

	if _, err := await(t, d.EnqueueForExecution("doomed", nil, nil).Future); !errors.Is(err, dispatcher.ErrUnknownTaskType) {
		t.Errorf("enqueue after Dispose error = %v, want ErrUnknownTaskType", err)
	}
	if _, err := await(t, d.InitializeTaskType("doomed", nil)); !errors.Is(err, dispatcher.ErrUnknownTaskType) {
		t.Errorf("initialize after Dispose error = %v, want ErrUnknownTaskType", err)
	}
	if err := d.RegisterTask(dispatcher.Descriptor{Name: "late"}); !errors.Is(err, dispatcher.ErrDisposed) {
		t.Errorf("register after Dispose error = %v, want ErrDisposed", err)
	}
	if got := d.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot after Dispose = %+v, want empty", got)
	}

	d.Dispose()
}
