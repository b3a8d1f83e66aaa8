package envelope

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownPayloadKind is returned when no codec is registered for a kind.
var ErrUnknownPayloadKind = errors.New("unknown payload kind")

// Codec converts a domain value into an envelope plus its buffers and back.
// The dispatcher never looks inside Parameters; only codecs give them meaning.
type Codec interface {
	// Kind is the discriminator written to Envelope.PayloadKind.
	Kind() string
	// Pack builds an envelope from v. With cloneBuffers false the envelope
	// takes over v's buffers and the caller must stop using them.
	Pack(v any, cloneBuffers bool) (*Envelope, error)
	// Unpack rebuilds the domain value carried by env.
	Unpack(env *Envelope, cloneBuffers bool) (any, error)
}

// Codecs maps payload kinds to codecs. It is safe for concurrent use.
type Codecs struct {
	mu     sync.RWMutex
	byKind map[string]Codec
}

// NewCodecs creates a registry preloaded with the DataPayload codec.
func NewCodecs() *Codecs {
	c := &Codecs{byKind: make(map[string]Codec)}
	c.Register(DataCodec{})
	return c
}

// Register adds or replaces the codec for its kind.
func (c *Codecs) Register(codec Codec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKind[codec.Kind()] = codec
}

// Get returns the codec registered for kind.
func (c *Codecs) Get(kind string) (Codec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	codec, ok := c.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadKind, kind)
	}
	return codec, nil
}

// Pack packs v with the codec registered for kind.
func (c *Codecs) Pack(kind string, v any, cloneBuffers bool) (*Envelope, error) {
	codec, err := c.Get(kind)
	if err != nil {
		return nil, err
	}
	env, err := codec.Pack(v, cloneBuffers)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", kind, err)
	}
	env.PayloadKind = codec.Kind()
	return env, nil
}

// Unpack dispatches on env.PayloadKind.
func (c *Codecs) Unpack(env *Envelope, cloneBuffers bool) (any, error) {
	codec, err := c.Get(env.PayloadKind)
	if err != nil {
		return nil, err
	}
	v, err := codec.Unpack(env, cloneBuffers)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", env.PayloadKind, err)
	}
	return v, nil
}
