package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/model"
	"github.com/seantiz/taskdirector/internal/router"
	"github.com/seantiz/taskdirector/internal/transport"
)

type eventKind int

const (
	eventSpawned eventKind = iota
	eventMessage
	eventExited
)

// event is sent to the coordinator by spawn and pump goroutines.
type event struct {
	kind eventKind
	s    *session
	ctx  transport.Context
	env  *envelope.Envelope
	err  error
}

// initBatch tracks one InitializeTaskType call.
type initBatch struct {
	name    string
	future  *Future[struct{}]
	owned   []*session
	pending int
	done    bool
}

func (b *initBatch) wait(s *session) {
	b.pending++
	s.batches = append(s.batches, b)
}

func (b *initBatch) resolve(err error) {
	if b.done {
		return
	}
	b.done = true
	b.future.resolve(struct{}{}, err)
}

func (d *Dispatcher) loop() {
	defer close(d.loopDone)
	for {
		select {
		case fn := <-d.ops:
			fn()
		case ev := <-d.events:
			d.handle(ev)
		case <-d.stop:
			return
		}
	}
}

// post hands ev to the coordinator. It reports false once the coordinator
// has stopped.
func (d *Dispatcher) post(ev event) bool {
	select {
	case d.events <- ev:
		return true
	case <-d.loopDone:
		return false
	}
}

func (d *Dispatcher) handle(ev event) {
	switch ev.kind {
	case eventSpawned:
		d.onSpawned(ev.s, ev.ctx, ev.err)
	case eventMessage:
		d.onMessage(ev.s, ev.env)
	case eventExited:
		d.onExited(ev.s, ev.err)
	}
}

func (d *Dispatcher) newRouter() *router.Router {
	r := router.New("coordinator", d.logger)
	r.Handle(envelope.CommandInitComplete, d.onInitComplete)
	r.Handle(envelope.CommandIntermediate, d.onIntermediate)
	r.Handle(envelope.CommandExecuteComplete, d.onExecuteComplete)
	r.Handle(envelope.CommandError, d.onError)
	r.Handle(envelope.CommandRelay, d.onRelay)
	r.OnUnmatched = func(*envelope.Envelope) {
		if d.from != nil {
			d.from.tt.unmatched++
		}
	}
	return r
}

func (d *Dispatcher) initialize(name string, payload *envelope.Envelope, f *Future[struct{}]) {
	tt, err := d.registry.get(name)
	if err != nil {
		f.resolve(struct{}{}, fmt.Errorf("initialize %q: %w", name, err))
		return
	}
	tt.initPayload = payload

	b := &initBatch{name: name, future: f}
	for _, s := range tt.sessions {
		if s.starting() {
			b.wait(s)
		}
	}
	for n := tt.desc.InitialExecutions - len(tt.sessions); n > 0; n-- {
		s := d.spawn(tt)
		b.owned = append(b.owned, s)
		b.wait(s)
	}
	if b.pending == 0 {
		b.resolve(nil)
	}
}

func (d *Dispatcher) enqueue(name string, ex *Execution, payload *envelope.Envelope, onIntermediate func(*envelope.Envelope)) {
	tt, err := d.registry.get(name)
	if err != nil {
		ex.resolve(nil, fmt.Errorf("enqueue %q: %w", name, err))
		return
	}

	item := &workItem{
		id:             ex.ID,
		tt:             tt,
		payload:        payload,
		future:         ex.Future,
		delivery:       newDelivery(&d.wg),
		onIntermediate: onIntermediate,
		enqueuedAt:     time.Now(),
	}
	d.journal.queued(item)
	d.admit(tt, item)
}

// admit places item on an idle session, or queues it and grows the pool
// when there is room.
func (d *Dispatcher) admit(tt *taskType, item *workItem) {
	if s := tt.idle(); s != nil {
		d.assign(s, item)
		return
	}
	tt.queue.push(item)
	d.refill(tt)
}

// refill spawns sessions while queued items outnumber the sessions already
// starting and the pool has room.
func (d *Dispatcher) refill(tt *taskType) {
	for tt.queue.len() > tt.starting() && len(tt.sessions) < tt.desc.MaxParallelExecutions {
		d.spawn(tt)
	}
}

func (d *Dispatcher) spawn(tt *taskType) *session {
	tt.nextWorkerID++
	s := &session{
		id:        tt.nextWorkerID,
		tt:        tt,
		state:     StateSpawning,
		initStart: time.Now(),
	}
	sessionsByState.WithLabelValues(tt.desc.Name, StateSpawning.String()).Inc()
	tt.sessions = append(tt.sessions, s)

	spec := transport.Spec{
		TaskTypeName: tt.desc.Name,
		WorkerID:     s.id,
		Boot:         tt.desc.BootSpec(),
	}
	ctx := d.spawnCtx
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		c, err := d.spawner.Spawn(ctx, spec)
		if !d.post(event{kind: eventSpawned, s: s, ctx: c, err: err}) && c != nil {
			_ = c.Terminate()
		}
	}()
	return s
}

func (d *Dispatcher) onSpawned(s *session, c transport.Context, err error) {
	if s.state == StateTerminated {
		if c != nil {
			d.terminateContext(s, c)
		}
		return
	}
	if err != nil {
		d.startFailed(s, err)
		return
	}

	s.ctx = c
	_ = s.setState(StateAwaitingInit)
	d.wg.Add(1)
	go d.pump(s, c)

	if err := c.Post(s.tt.initEnvelope(s.id)); err != nil {
		d.startFailed(s, fmt.Errorf("post init: %w", err))
	}
}

// pump forwards a context's messages to the coordinator. It returns at
// Dispose even if the context never closes Messages.
func (d *Dispatcher) pump(s *session, c transport.Context) {
	defer d.wg.Done()
	for {
		select {
		case env, ok := <-c.Messages():
			if !ok {
				d.post(event{kind: eventExited, s: s, err: c.Err()})
				return
			}
			if !d.post(event{kind: eventMessage, s: s, env: env}) {
				return
			}
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) onMessage(s *session, env *envelope.Envelope) {
	if s.state == StateTerminated {
		return
	}

	d.from = s
	err := d.router.Dispatch(context.Background(), env)
	d.from = nil

	switch {
	case err == nil, errors.Is(err, router.ErrUnmatchedCommand):
	case errors.Is(err, ErrProtocolViolation):
		d.violation(s, err)
	default:
		d.logger.Error("coordinator handler failed", "task_type", s.tt.desc.Name, "worker_id", s.id,
			"command", string(env.Command), "error", err)
	}
}

func (d *Dispatcher) onExited(s *session, err error) {
	if s.state == StateTerminated {
		return
	}
	if err == nil {
		err = errors.New("context closed")
	}
	if s.starting() {
		d.startFailed(s, err)
		return
	}
	d.lost(s, err)
}

func (d *Dispatcher) onInitComplete(_ context.Context, env *envelope.Envelope) error {
	s := d.from
	if s.state != StateAwaitingInit {
		return fmt.Errorf("%w: initComplete while %s", ErrProtocolViolation, s.state)
	}
	_ = s.setState(StateIdle)
	initDuration.WithLabelValues(s.tt.desc.Name).Observe(time.Since(s.initStart).Seconds())
	d.logger.Debug("session ready", "task_type", s.tt.desc.Name, "worker_id", s.id)

	for _, b := range s.batches {
		b.pending--
		if b.pending == 0 {
			b.resolve(nil)
		}
	}
	s.batches = nil

	d.dispatchNext(s)
	return nil
}

// owned returns the work item env answers for, provided s is busy with it.
func (d *Dispatcher) owned(s *session, env *envelope.Envelope) (*workItem, error) {
	if s.state != StateBusy || s.item == nil {
		return nil, fmt.Errorf("%w: %s for work item %d while %s",
			ErrProtocolViolation, env.Command, env.WorkItemID, s.state)
	}
	if env.WorkItemID != s.item.id {
		return nil, fmt.Errorf("%w: %s for work item %d, session owns %d",
			ErrProtocolViolation, env.Command, env.WorkItemID, s.item.id)
	}
	return s.item, nil
}

func (d *Dispatcher) onIntermediate(_ context.Context, env *envelope.Envelope) error {
	s := d.from
	item, err := d.owned(s, env)
	if err != nil {
		return err
	}

	ev := ProgressEvent{
		WorkItemID:   item.id,
		TaskTypeName: s.tt.desc.Name,
		WorkerID:     s.id,
		Seq:          item.progressSeq,
		Progress:     env.Progress,
		Parameters:   env.CloneParameters(),
	}
	item.progressSeq++
	d.broker.Publish(ev)
	d.journal.progress(ev)

	if cb := item.onIntermediate; cb != nil {
		item.delivery.schedule(func() { cb(env) })
	}
	return nil
}

func (d *Dispatcher) onExecuteComplete(_ context.Context, env *envelope.Envelope) error {
	s := d.from
	item, err := d.owned(s, env)
	if err != nil {
		return err
	}

	s.item = nil
	_ = s.setState(StateIdle)
	d.finish(item, env, nil)
	d.dispatchNext(s)
	return nil
}

func (d *Dispatcher) onError(_ context.Context, env *envelope.Envelope) error {
	s := d.from
	if s.state == StateAwaitingInit {
		d.startFailed(s, errors.New(env.Error))
		return nil
	}

	item, err := d.owned(s, env)
	if err != nil {
		return err
	}
	s.item = nil
	_ = s.setState(StateIdle)
	d.finish(item, nil, fmt.Errorf("work item %d: %w: %s", item.id, ErrExecutionFailed, env.Error))
	d.dispatchNext(s)
	return nil
}

// onRelay forwards a message to an initialized session of the target task
// type, preferring the worker named in the relayWorker parameter.
func (d *Dispatcher) onRelay(_ context.Context, env *envelope.Envelope) error {
	s := d.from
	if !s.initialized() {
		return fmt.Errorf("%w: relay while %s", ErrProtocolViolation, s.state)
	}

	targetName := env.Param(envelope.ParamRelayTarget)
	var target *session
	if tt, err := d.registry.get(targetName); err == nil {
		want, hasWant := intParam(env.Parameters[envelope.ParamRelayWorker])
		for _, cand := range tt.sessions {
			if !cand.initialized() {
				continue
			}
			if hasWant && cand.id == want {
				target = cand
				break
			}
			if target == nil {
				target = cand
			}
		}
	}
	if target == nil {
		relaysDropped.WithLabelValues(s.tt.desc.Name).Inc()
		d.logger.Warn("relay dropped", "task_type", s.tt.desc.Name, "worker_id", s.id, "target", targetName)
		return nil
	}

	out := env.Transfer()
	out.Command = envelope.CommandRelay
	out.SetParam(envelope.ParamRelaySource, s.tt.desc.Name)
	out.TaskTypeName = target.tt.desc.Name
	out.WorkerID = target.id
	if err := target.ctx.Post(out); err != nil {
		d.lost(target, fmt.Errorf("post relay: %w", err))
	}
	return nil
}

func (d *Dispatcher) assign(s *session, item *workItem) {
	_ = s.setState(StateBusy)
	s.item = item
	item.workerID = s.id
	item.startedAt = time.Now()

	env := item.payload
	item.payload = nil
	env.Command = envelope.CommandExecute
	env.WorkItemID = item.id
	env.TaskTypeName = s.tt.desc.Name
	env.WorkerID = s.id

	d.journal.started(item)
	if err := s.ctx.Post(env); err != nil {
		d.lost(s, fmt.Errorf("post execute: %w", err))
	}
}

// dispatchNext hands the head of the queue to s if it is idle.
func (d *Dispatcher) dispatchNext(s *session) {
	if s.state != StateIdle {
		return
	}
	if item := s.tt.queue.pop(); item != nil {
		d.assign(s, item)
	}
}

// finish resolves item. The future resolves after every intermediate
// callback scheduled before it.
func (d *Dispatcher) finish(item *workItem, result *envelope.Envelope, err error) {
	name := item.tt.desc.Name
	outcome, status := outcomeCompleted, model.StatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		outcome, status = outcomeCancelled, model.StatusCancelled
	case errors.Is(err, ErrProtocolViolation):
		outcome, status = outcomeViolation, model.StatusFailed
	default:
		outcome, status = outcomeFailed, model.StatusFailed
	}
	workItemsTotal.WithLabelValues(name, outcome).Inc()
	if !item.startedAt.IsZero() {
		executionDuration.WithLabelValues(name).Observe(time.Since(item.startedAt).Seconds())
	}

	d.journal.finished(item, status, result, err)
	d.broker.Close(item.id)

	f := item.future
	item.delivery.schedule(func() { f.resolve(result, err) })
}

// violation terminates s after a protocol error. Its in-flight item fails
// and the pool refills on demand.
func (d *Dispatcher) violation(s *session, err error) {
	tt := s.tt
	protocolViolations.WithLabelValues(tt.desc.Name).Inc()
	d.logger.Error("protocol violation", "task_type", tt.desc.Name, "worker_id", s.id, "error", err)

	if item := s.item; item != nil {
		s.item = nil
		d.finish(item, nil, fmt.Errorf("work item %d: %w", item.id, err))
	}
	if s.starting() {
		d.startFailed(s, err)
		return
	}
	d.terminate(s)
	d.refill(tt)
}

// lost handles a context that died or became unreachable after its
// handshake.
func (d *Dispatcher) lost(s *session, cause error) {
	tt := s.tt
	d.logger.Warn("session lost", "task_type", tt.desc.Name, "worker_id", s.id, "error", cause)

	if item := s.item; item != nil {
		s.item = nil
		d.finish(item, nil, fmt.Errorf("work item %d: %w: worker %d lost: %w", item.id, ErrExecutionFailed, s.id, cause))
	}
	d.terminate(s)
	d.refill(tt)
}

// startFailed handles a session that could not be spawned or initialized.
func (d *Dispatcher) startFailed(s *session, cause error) {
	tt := s.tt
	err := fmt.Errorf("%w: %s worker %d: %w", ErrInitializationFailed, tt.desc.Name, s.id, cause)
	d.logger.Error("session failed to start", "task_type", tt.desc.Name, "worker_id", s.id, "error", cause)

	batches := s.batches
	s.batches = nil
	d.terminate(s)
	for _, b := range batches {
		d.failBatch(b, err)
	}

	// Nothing left to drain the queue.
	if len(tt.sessions) == 0 {
		for _, item := range tt.queue.drain() {
			d.finish(item, nil, fmt.Errorf("work item %d: %w", item.id, err))
		}
	}
}

// failBatch fails an InitializeTaskType call and terminates every session
// it spawned.
func (d *Dispatcher) failBatch(b *initBatch, err error) {
	if b.done {
		return
	}
	b.resolve(fmt.Errorf("initialize %q: %w", b.name, err))

	for _, s := range b.owned {
		if s.state == StateTerminated {
			continue
		}
		if item := s.item; item != nil {
			s.item = nil
			d.finish(item, nil, fmt.Errorf("work item %d: %w", item.id, err))
		}
		s.batches = nil
		d.terminate(s)
	}
}

func (d *Dispatcher) terminate(s *session) {
	if s.state == StateTerminated {
		return
	}
	_ = s.setState(StateTerminated)
	s.tt.remove(s)
	if s.ctx != nil {
		d.terminateContext(s, s.ctx)
	}
}

func (d *Dispatcher) terminateContext(s *session, c transport.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := c.Terminate(); err != nil {
			d.logger.Debug("terminate context", "task_type", s.tt.desc.Name, "worker_id", s.id, "error", err)
		}
	}()
}

// shutdown runs on the coordinator at Dispose.
func (d *Dispatcher) shutdown() {
	d.disposed = true
	d.cancelSpawns()

	for _, tt := range d.registry.sorted() {
		for _, item := range tt.queue.drain() {
			d.finish(item, nil, fmt.Errorf("work item %d: %w", item.id, ErrCancelled))
		}
		for _, s := range slices.Clone(tt.sessions) {
			if item := s.item; item != nil {
				s.item = nil
				d.finish(item, nil, fmt.Errorf("work item %d: %w", item.id, ErrCancelled))
			}
			for _, b := range s.batches {
				b.resolve(fmt.Errorf("initialize %q: %w", b.name, ErrCancelled))
			}
			s.batches = nil
			d.terminate(s)
		}
	}
	d.registry.clear()
	d.logger.Info("dispatcher disposed")
}

// intParam reads an integer parameter as decoded by either wire format.
func intParam(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
