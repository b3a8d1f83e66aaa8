package envelope

import (
	"errors"
	"fmt"
)

// Parameter keys with a meaning outside any single codec.
const (
	// ParamRelayTarget names the task type a relay envelope is addressed to.
	ParamRelayTarget = "relayTarget"
	// ParamRelayWorker optionally pins a relay to one worker of the target.
	ParamRelayWorker = "relayWorker"
	// ParamRelaySource is set by the coordinator to the sending task type.
	ParamRelaySource = "relaySource"
)

// ErrInvalidEnvelope is returned by Validate.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Buffer is a named raw byte buffer. Buffers are moved, not copied: once an
// envelope holding a buffer is sent, the sender must not touch the bytes
// again unless it cloned them first.
type Buffer struct {
	Name  string `json:"name"`
	Bytes []byte `json:"bytes"`
}

// Envelope is the message exchanged between coordinator and worker.
type Envelope struct {
	Command      Command        `json:"command"`
	WorkItemID   uint64         `json:"workItemId"`
	TaskTypeName string         `json:"taskTypeName"`
	PayloadKind  string         `json:"payloadKind,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Buffers      []Buffer       `json:"buffers,omitempty"`
	WorkerID     int            `json:"workerId"`
	Progress     float64        `json:"progress,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// New returns an empty envelope carrying cmd.
func New(cmd Command) *Envelope {
	return &Envelope{Command: cmd}
}

// Reply creates an envelope addressed back along the same work item and worker.
func (e *Envelope) Reply(cmd Command) *Envelope {
	return &Envelope{
		Command:      cmd,
		WorkItemID:   e.WorkItemID,
		TaskTypeName: e.TaskTypeName,
		WorkerID:     e.WorkerID,
	}
}

// Failure creates an error reply carrying err's message.
func (e *Envelope) Failure(err error) *Envelope {
	out := e.Reply(CommandError)
	out.Error = err.Error()
	return out
}

// AddBuffer appends a named buffer and returns the reference to store in
// Parameters.
func (e *Envelope) AddBuffer(name string, b []byte) map[string]any {
	e.Buffers = append(e.Buffers, Buffer{Name: name, Bytes: b})
	return BufferRef(name)
}

// Buffer returns the bytes of the named buffer.
func (e *Envelope) Buffer(name string) ([]byte, bool) {
	for _, b := range e.Buffers {
		if b.Name == name {
			return b.Bytes, true
		}
	}
	return nil, false
}

// BufferBytes returns the total size of all buffers.
func (e *Envelope) BufferBytes() int {
	n := 0
	for _, b := range e.Buffers {
		n += len(b.Bytes)
	}
	return n
}

// Param returns a string parameter, or "" when absent or not a string.
func (e *Envelope) Param(key string) string {
	s, _ := e.Parameters[key].(string)
	return s
}

// SetParam sets a parameter, allocating the map when needed.
func (e *Envelope) SetParam(key string, v any) {
	if e.Parameters == nil {
		e.Parameters = make(map[string]any)
	}
	e.Parameters[key] = v
}

// CloneParameters returns a deep copy of the parameters.
func (e *Envelope) CloneParameters() map[string]any {
	return cloneParams(e.Parameters)
}

// Transfer hands the envelope to a new owner. Parameters are deep-copied and
// buffers are moved: after the call e no longer holds any buffer.
func (e *Envelope) Transfer() *Envelope {
	out := *e
	out.Parameters = cloneParams(e.Parameters)
	out.Buffers = e.Buffers
	e.Buffers = nil
	return &out
}

// Clone returns a deep copy, buffers included.
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.Parameters = cloneParams(e.Parameters)
	out.Buffers = e.CloneBuffers()
	return &out
}

// CloneBuffers returns a deep copy of all buffers.
func (e *Envelope) CloneBuffers() []Buffer {
	if e.Buffers == nil {
		return nil
	}
	out := make([]Buffer, len(e.Buffers))
	for i, b := range e.Buffers {
		out[i] = Buffer{Name: b.Name, Bytes: cloneBytes(b.Bytes)}
	}
	return out
}

// Validate checks the command and the buffer reference invariant: every
// buffer is referenced from Parameters and every reference names a buffer.
func (e *Envelope) Validate() error {
	if !e.Command.Valid() {
		return fmt.Errorf("%w: unknown command %q", ErrInvalidEnvelope, e.Command)
	}

	listed := make(map[string]bool, len(e.Buffers))
	for _, b := range e.Buffers {
		if b.Name == "" {
			return fmt.Errorf("%w: unnamed buffer", ErrInvalidEnvelope)
		}
		if listed[b.Name] {
			return fmt.Errorf("%w: duplicate buffer %q", ErrInvalidEnvelope, b.Name)
		}
		listed[b.Name] = true
	}

	referenced := make(map[string]bool)
	collectRefs(e.Parameters, referenced)

	for name := range listed {
		if !referenced[name] {
			return fmt.Errorf("%w: buffer %q is not referenced by parameters", ErrInvalidEnvelope, name)
		}
	}
	for name := range referenced {
		if !listed[name] {
			return fmt.Errorf("%w: parameters reference missing buffer %q", ErrInvalidEnvelope, name)
		}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
