package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/worker"
)

// HashFunc is what the hash dependencies export under "hash".
type HashFunc func([]byte) string

func loadSHA256(s *worker.Scope) error {
	s.Set("hash", HashFunc(func(b []byte) string {
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:])
	}))
	s.Set("hashName", "sha256")
	return nil
}

func loadCRC32(s *worker.Scope) error {
	s.Set("hash", HashFunc(func(b []byte) string {
		return fmt.Sprintf("%08x", crc32.ChecksumIEEE(b))
	}))
	s.Set("hashName", "crc32")
	return nil
}

// digest hashes every buffer of a work item, reporting progress per buffer.
// The hash comes from whichever dependency the task type loads.
type digest struct {
	hash     HashFunc
	hashName string
}

func newDigest(s *worker.Scope) (worker.Worker, error) {
	d := &digest{}
	if v, ok := s.Resolve("hash"); ok {
		fn, ok := v.(HashFunc)
		if !ok {
			return nil, fmt.Errorf("hash has type %T", v)
		}
		d.hash = fn
		d.hashName, _ = resolveString(s, "hashName")
	}
	if d.hash == nil {
		if err := loadSHA256(s); err != nil {
			return nil, err
		}
		v, _ := s.Get("hash")
		d.hash = v.(HashFunc)
		d.hashName = "sha256"
	}
	return d, nil
}

func resolveString(s *worker.Scope, name string) (string, bool) {
	v, ok := s.Resolve(name)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

func (*digest) Init(context.Context, *envelope.Envelope) error { return nil }

func (d *digest) Execute(ctx context.Context, msg *envelope.Envelope, emit worker.Emitter) (*envelope.Envelope, error) {
	digests := make(map[string]any, len(msg.Buffers))
	total := 0
	for i, b := range msg.Buffers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		digests[b.Name] = d.hash(b.Bytes)
		total += len(b.Bytes)

		progress := envelope.New(envelope.CommandIntermediate)
		progress.Progress = float64(i+1) / float64(len(msg.Buffers))
		progress.SetParam("buffer", b.Name)
		if err := emit.Intermediate(progress); err != nil {
			return nil, err
		}
	}

	out := envelope.New(envelope.CommandExecuteComplete)
	out.PayloadKind = envelope.KindData
	out.Progress = 1
	out.Parameters = map[string]any{
		"algorithm": d.hashName,
		"digests":   digests,
		"bytes":     float64(total),
	}
	return out, nil
}
