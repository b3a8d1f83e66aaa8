package builtin

import (
	"context"

	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/worker"
)

// echo returns every execute payload unchanged, buffers included.
type echo struct{}

func newEcho(*worker.Scope) (worker.Worker, error) {
	return &echo{}, nil
}

func (*echo) Init(context.Context, *envelope.Envelope) error { return nil }

func (*echo) Execute(_ context.Context, msg *envelope.Envelope, _ worker.Emitter) (*envelope.Envelope, error) {
	return msg.Transfer(), nil
}
