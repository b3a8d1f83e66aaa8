package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/router"
)

// Runner drives one execution context: it routes inbound envelopes to the
// worker and answers with initComplete, executeComplete or error.
// A Runner is used by a single goroutine.
type Runner struct {
	worker      Worker
	send        Sender
	router      *router.Router
	logger      *slog.Logger
	initialized bool
	sendErr     error
}

// NewRunner creates a runner for w that replies through send.
func NewRunner(w Worker, send Sender, logger *slog.Logger) *Runner {
	r := &Runner{
		worker: w,
		send:   send,
		router: router.New("worker", logger),
		logger: logger,
	}
	r.router.Handle(envelope.CommandInit, r.handleInit)
	r.router.Handle(envelope.CommandExecute, r.handleExecute)
	if _, ok := w.(Relayer); ok {
		r.router.Handle(envelope.CommandRelay, r.handleRelay)
	}
	if _, ok := w.(Intermediater); ok {
		r.router.Handle(envelope.CommandIntermediate, r.handleIntermediate)
	}
	return r
}

// Run handles envelopes from in until it is closed, ctx is done, or a reply
// cannot be delivered.
func (r *Runner) Run(ctx context.Context, in <-chan *envelope.Envelope) error {
	for {
		select {
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if err := r.Handle(ctx, env); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle processes one envelope. It returns an error only when the
// coordinator can no longer be reached; everything else is reported back
// over the protocol or logged.
func (r *Runner) Handle(ctx context.Context, env *envelope.Envelope) error {
	if err := r.router.Dispatch(ctx, env); err != nil {
		r.logger.Warn("worker dispatch", "command", string(env.Command), "work_item_id", env.WorkItemID, "error", err)
	}
	return r.sendErr
}

func (r *Runner) handleInit(ctx context.Context, msg *envelope.Envelope) error {
	if r.initialized {
		return r.reply(msg.Failure(ErrAlreadyInitialized))
	}
	if err := r.worker.Init(ctx, msg); err != nil {
		return r.reply(msg.Failure(fmt.Errorf("init: %w", err)))
	}
	r.initialized = true
	return r.reply(msg.Reply(envelope.CommandInitComplete))
}

func (r *Runner) handleExecute(ctx context.Context, msg *envelope.Envelope) error {
	if !r.initialized {
		return r.reply(msg.Failure(ErrNotInitialized))
	}

	result, err := r.execute(ctx, msg)
	if err != nil {
		return r.reply(msg.Failure(err))
	}
	if result == nil {
		result = msg.Reply(envelope.CommandExecuteComplete)
	}
	stamp(result, msg, envelope.CommandExecuteComplete)
	return r.reply(result)
}

// execute runs the worker, turning a panic into an error so the coordinator
// still receives a reply for the work item.
func (r *Runner) execute(ctx context.Context, msg *envelope.Envelope) (out *envelope.Envelope, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("execute panicked: %v", p)
		}
	}()
	return r.worker.Execute(ctx, msg, &emitter{runner: r, msg: msg})
}

func (r *Runner) handleRelay(ctx context.Context, msg *envelope.Envelope) error {
	if !r.initialized {
		return ErrNotInitialized
	}
	return r.worker.(Relayer).Relay(ctx, msg, &emitter{runner: r, msg: msg})
}

func (r *Runner) handleIntermediate(ctx context.Context, msg *envelope.Envelope) error {
	if !r.initialized {
		return ErrNotInitialized
	}
	return r.worker.(Intermediater).Intermediate(ctx, msg, &emitter{runner: r, msg: msg})
}

func (r *Runner) reply(env *envelope.Envelope) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	if err := r.send(env); err != nil {
		r.sendErr = fmt.Errorf("send %s: %w", env.Command, err)
		return r.sendErr
	}
	return nil
}

// stamp fills in the routing fields of an outbound envelope from the message
// it answers.
func stamp(out, msg *envelope.Envelope, cmd envelope.Command) {
	out.Command = cmd
	out.WorkItemID = msg.WorkItemID
	out.TaskTypeName = msg.TaskTypeName
	out.WorkerID = msg.WorkerID
}

type emitter struct {
	runner *Runner
	msg    *envelope.Envelope
}

func (e *emitter) Intermediate(env *envelope.Envelope) error {
	if e.msg.Command != envelope.CommandExecute {
		return errors.New("intermediate outside of execute")
	}
	stamp(env, e.msg, envelope.CommandIntermediate)
	return e.runner.reply(env)
}

func (e *emitter) Relay(target string, env *envelope.Envelope) error {
	stamp(env, e.msg, envelope.CommandRelay)
	env.SetParam(envelope.ParamRelayTarget, target)
	return e.runner.reply(env)
}
