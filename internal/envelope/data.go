package envelope

import (
	"fmt"
	"sort"
)

// KindData is the payload kind of DataPayload.
const KindData = "data"

// buffersParam holds the buffer references written by DataCodec.
const buffersParam = "$buffers"

// DataPayload is the generic payload: free-form parameters plus named
// buffers and a progress value.
type DataPayload struct {
	Params   map[string]any
	Buffers  map[string][]byte
	Progress float64
}

// DataCodec packs and unpacks DataPayload values.
type DataCodec struct{}

// Kind implements Codec.
func (DataCodec) Kind() string { return KindData }

// Pack implements Codec. Buffers are listed in name order.
func (DataCodec) Pack(v any, cloneBuffers bool) (*Envelope, error) {
	p, err := asDataPayload(v)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		PayloadKind: KindData,
		Parameters:  cloneParams(p.Params),
		Progress:    p.Progress,
	}
	if env.Parameters == nil {
		env.Parameters = make(map[string]any)
	}
	if _, taken := env.Parameters[buffersParam]; taken {
		return nil, fmt.Errorf("parameter %q is reserved", buffersParam)
	}

	if len(p.Buffers) > 0 {
		names := make([]string, 0, len(p.Buffers))
		for name := range p.Buffers {
			names = append(names, name)
		}
		sort.Strings(names)

		refs := make(map[string]any, len(names))
		for _, name := range names {
			b := p.Buffers[name]
			if cloneBuffers {
				b = cloneBytes(b)
			}
			refs[name] = env.AddBuffer(name, b)
		}
		env.Parameters[buffersParam] = refs
	}
	return env, nil
}

// Unpack implements Codec.
func (DataCodec) Unpack(env *Envelope, cloneBuffers bool) (any, error) {
	p := &DataPayload{
		Params:   cloneParams(env.Parameters),
		Progress: env.Progress,
	}
	if p.Params == nil {
		p.Params = make(map[string]any)
	}

	raw, ok := p.Params[buffersParam]
	delete(p.Params, buffersParam)
	if !ok {
		if len(env.Buffers) > 0 {
			return nil, fmt.Errorf("envelope lists %d buffers without references", len(env.Buffers))
		}
		return p, nil
	}

	refs, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameter %q has type %T", buffersParam, raw)
	}
	if len(refs) != len(env.Buffers) {
		return nil, fmt.Errorf("%d buffer references for %d buffers", len(refs), len(env.Buffers))
	}

	p.Buffers = make(map[string][]byte, len(refs))
	for key, ref := range refs {
		name, ok := RefName(ref)
		if !ok {
			return nil, fmt.Errorf("buffer %q: malformed reference", key)
		}
		b, ok := env.Buffer(name)
		if !ok {
			return nil, fmt.Errorf("buffer %q not present", name)
		}
		if cloneBuffers {
			b = cloneBytes(b)
		}
		p.Buffers[key] = b
	}
	return p, nil
}

func asDataPayload(v any) (*DataPayload, error) {
	switch t := v.(type) {
	case *DataPayload:
		if t == nil {
			return &DataPayload{}, nil
		}
		return t, nil
	case DataPayload:
		return &t, nil
	default:
		return nil, fmt.Errorf("data codec cannot pack %T", v)
	}
}
