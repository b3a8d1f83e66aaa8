// Package transport provides the isolated execution contexts that run task
// workers. A context exchanges envelopes with the coordinator and nothing
// else: every Post hands ownership of the envelope's buffers to the context.
package transport

import (
	"context"
	"errors"

	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/worker"
)

// ErrTerminated is reported by contexts stopped through Terminate.
var ErrTerminated = errors.New("context terminated")

// Context is one isolated execution context.
type Context interface {
	// Post delivers env to the worker. The caller must not use env's
	// buffers afterwards.
	Post(env *envelope.Envelope) error

	// Messages yields envelopes emitted by the worker. It is closed when the
	// context dies.
	Messages() <-chan *envelope.Envelope

	// Err reports why the context died, once Messages is closed.
	Err() error

	// Terminate stops the context and releases its resources.
	Terminate() error
}

// Spec identifies the context to create and the bootstrap it loads.
type Spec struct {
	TaskTypeName string
	WorkerID     int
	Boot         worker.BootSpec
}

// Spawner creates execution contexts. A nil error means the context exists
// and its bootstrap succeeded.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Context, error)
}
