package builtin

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/worker"
)

// defaultGenerateSize is used when neither a template nor a size is given.
const defaultGenerateSize = 1024

// generate produces a buffer per work item. A "template" buffer supplied at
// init is kept by the context and copied for each item, so the template
// itself is never transferred away.
type generate struct {
	template []byte
}

func newGenerate(*worker.Scope) (worker.Worker, error) {
	return &generate{}, nil
}

func (g *generate) Init(_ context.Context, msg *envelope.Envelope) error {
	if msg == nil {
		return nil
	}
	if b, ok := msg.Buffer("template"); ok {
		g.template = append([]byte(nil), b...)
	}
	return nil
}

func (g *generate) Execute(ctx context.Context, msg *envelope.Envelope, emit worker.Emitter) (*envelope.Envelope, error) {
	size := defaultGenerateSize
	if g.template != nil {
		size = len(g.template)
	}
	if v, ok := msg.Parameters["size"]; ok {
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("size: %w", err)
		}
		size = n
	}
	if size < 0 {
		return nil, errors.New("size must not be negative")
	}

	data := make([]byte, size)
	for i := range data {
		if g.template != nil && len(g.template) > 0 {
			data[i] = g.template[i%len(g.template)] + byte(msg.WorkItemID)
		} else {
			data[i] = byte(i) + byte(msg.WorkItemID)
		}
	}

	half := envelope.New(envelope.CommandIntermediate)
	half.Progress = 0.5
	if err := emit.Intermediate(half); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := envelope.DataCodec{}.Pack(&envelope.DataPayload{
		Params:   map[string]any{"size": float64(size)},
		Buffers:  map[string][]byte{"data": data},
		Progress: 1,
	}, false)
	if err != nil {
		return nil, err
	}
	out.Command = envelope.CommandExecuteComplete
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported number type %T", v)
	}
}
