// Package router dispatches inbound envelopes to handlers through an explicit
// command table. The same type serves the coordinator and the worker side.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/taskdirector/internal/envelope"
)

// ErrUnmatchedCommand is returned when no handler exists for a command.
var ErrUnmatchedCommand = errors.New("unmatched command")

// Handler processes one inbound envelope.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Router maps commands to handlers. Handlers are registered during wiring and
// the table is read-only afterwards.
type Router struct {
	side     string
	logger   *slog.Logger
	handlers map[envelope.Command]Handler

	// OnUnmatched, when set, is called for every envelope without a handler
	// after it has been logged and counted.
	OnUnmatched func(env *envelope.Envelope)
}

// New creates an empty router. side labels log lines and metrics
// ("coordinator" or "worker").
func New(side string, logger *slog.Logger) *Router {
	return &Router{
		side:     side,
		logger:   logger,
		handlers: make(map[envelope.Command]Handler),
	}
}

// Handle registers h for cmd. Registering an unknown command or the same
// command twice is a wiring bug and panics.
func (r *Router) Handle(cmd envelope.Command, h Handler) {
	if !cmd.Valid() {
		panic(fmt.Sprintf("router: unknown command %q", cmd))
	}
	if _, dup := r.handlers[cmd]; dup {
		panic(fmt.Sprintf("router: duplicate handler for %q", cmd))
	}
	r.handlers[cmd] = h
}

// Dispatch invokes the handler registered for env.Command. Unmatched
// commands are reported and returned as ErrUnmatchedCommand; a panicking
// handler is recovered and turned into an error.
func (r *Router) Dispatch(ctx context.Context, env *envelope.Envelope) (err error) {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrUnmatchedCommand)
	}

	h, ok := r.handlers[env.Command]
	if !ok {
		unmatchedTotal.WithLabelValues(r.side).Inc()
		r.logger.Warn("unmatched command",
			"side", r.side,
			"command", string(env.Command),
			"task_type", env.TaskTypeName,
			"work_item_id", env.WorkItemID,
			"worker_id", env.WorkerID,
		)
		if r.OnUnmatched != nil {
			r.OnUnmatched(env)
		}
		return fmt.Errorf("%w: %q", ErrUnmatchedCommand, env.Command)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler for %q panicked: %v", env.Command, p)
			r.logger.Error("handler panic", "side", r.side, "command", string(env.Command), "panic", p)
		}
	}()

	return h(ctx, env)
}
