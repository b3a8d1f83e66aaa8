// Package worker implements the worker side of the dispatch protocol: the
// interfaces task implementations satisfy, the bootstrap table that links
// entry points and their dependencies by name, the Runner that drives one
// execution context, and the Host that serves contexts over a stream.
package worker

import (
	"context"
	"errors"

	"github.com/seantiz/taskdirector/internal/envelope"
)

// ErrNotInitialized is reported when execute arrives before init completed.
var ErrNotInitialized = errors.New("worker not initialized")

// ErrAlreadyInitialized is reported for a second init on the same context.
var ErrAlreadyInitialized = errors.New("worker already initialized")

// Worker is a task implementation running inside one execution context.
// A context calls Init exactly once before any Execute, and never calls two
// methods concurrently.
type Worker interface {
	Init(ctx context.Context, msg *envelope.Envelope) error
	// Execute handles one work item. The returned envelope (which may be nil)
	// becomes the executeComplete reply; its routing fields are filled in by
	// the runner.
	Execute(ctx context.Context, msg *envelope.Envelope, emit Emitter) (*envelope.Envelope, error)
}

// Relayer is implemented by workers that accept inter-worker messages.
type Relayer interface {
	Relay(ctx context.Context, msg *envelope.Envelope, emit Emitter) error
}

// Intermediater is implemented by workers that accept progress envelopes
// addressed to them, such as updates from a peer they relay with.
type Intermediater interface {
	Intermediate(ctx context.Context, msg *envelope.Envelope, emit Emitter) error
}

// Emitter sends messages on behalf of the work item being handled.
type Emitter interface {
	// Intermediate reports progress for the current work item.
	Intermediate(env *envelope.Envelope) error
	// Relay asks the coordinator to forward env to a worker of task type target.
	Relay(target string, env *envelope.Envelope) error
}

// Sender delivers an envelope to the coordinator. Implementations take
// ownership of env.
type Sender func(env *envelope.Envelope) error
