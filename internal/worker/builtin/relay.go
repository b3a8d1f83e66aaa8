package builtin

import (
	"context"
	"errors"

	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/worker"
)

// relay talks to a worker of another task type through the coordinator.
// Execute with a "target" parameter forwards the "message" parameter there;
// every execute result lists the messages received since the last one.
type relay struct {
	received []any
}

func newRelay(*worker.Scope) (worker.Worker, error) {
	return &relay{}, nil
}

func (*relay) Init(context.Context, *envelope.Envelope) error { return nil }

func (r *relay) Execute(_ context.Context, msg *envelope.Envelope, emit worker.Emitter) (*envelope.Envelope, error) {
	if target := msg.Param("target"); target != "" {
		out := envelope.New(envelope.CommandRelay)
		out.SetParam("message", msg.Param("message"))
		if err := emit.Relay(target, out); err != nil {
			return nil, err
		}
	}

	result := envelope.New(envelope.CommandExecuteComplete)
	result.PayloadKind = envelope.KindData
	received := r.received
	if received == nil {
		received = []any{}
	}
	result.SetParam("received", received)
	r.received = nil
	return result, nil
}

func (r *relay) Relay(_ context.Context, msg *envelope.Envelope, _ worker.Emitter) error {
	m := msg.Param("message")
	if m == "" {
		return errors.New("relay without message")
	}
	r.received = append(r.received, m)
	return nil
}
