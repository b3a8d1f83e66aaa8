package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/seantiz/taskdirector/internal/envelope"
)

// Stream is a context served by a worker host on the far side of a framed
// byte stream. Frames are length-prefixed envelopes in the chosen format.
type Stream struct {
	rw     io.ReadWriteCloser
	format envelope.Format
	kind   string
	logger *slog.Logger

	outbox    *mailbox
	stopWrite context.CancelFunc
	out       chan *envelope.Envelope
	readEnd   chan struct{}

	mu         sync.Mutex
	err        error
	terminated bool
}

// NewStream bootstraps a context over rw: it sends the bootstrap frame and
// waits for the host's ready reply. On failure rw is closed.
func NewStream(ctx context.Context, rw io.ReadWriteCloser, format envelope.Format, spec Spec, logger *slog.Logger) (*Stream, error) {
	return newStream(ctx, rw, format, spec, kindDial, logger)
}

func newStream(ctx context.Context, rw io.ReadWriteCloser, format envelope.Format, spec Spec, kind string, logger *slog.Logger) (*Stream, error) {
	if err := handshake(ctx, rw, format, spec); err != nil {
		rw.Close()
		return nil, err
	}

	writeCtx, stopWrite := context.WithCancel(context.Background())
	s := &Stream{
		rw:        rw,
		format:    format,
		kind:      kind,
		logger:    logger.With("task_type", spec.TaskTypeName, "worker_id", spec.WorkerID),
		outbox:    newMailbox(),
		stopWrite: stopWrite,
		out:       make(chan *envelope.Envelope),
		readEnd:   make(chan struct{}),
	}
	activeContexts.WithLabelValues(kind).Inc()
	go s.readLoop()
	go s.writeLoop(writeCtx)
	return s, nil
}

// handshake performs the bootstrap/ready exchange. Cancelling ctx closes rw
// and aborts the exchange.
func handshake(ctx context.Context, rw io.ReadWriteCloser, format envelope.Format, spec Spec) (err error) {
	stop := context.AfterFunc(ctx, func() { rw.Close() })
	defer func() {
		if !stop() && err != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
	}()

	boot := spec.Boot.Envelope(spec.TaskTypeName, spec.WorkerID)
	if err := envelope.WriteMessage(rw, format, boot); err != nil {
		return fmt.Errorf("send bootstrap: %w", err)
	}

	var reply envelope.Envelope
	if err := envelope.ReadMessage(rw, format, &reply); err != nil {
		return fmt.Errorf("read bootstrap reply: %w", err)
	}
	switch reply.Command {
	case envelope.CommandReady:
		return nil
	case envelope.CommandError:
		return fmt.Errorf("bootstrap %s: %s", spec.Boot.Entry, reply.Error)
	default:
		return fmt.Errorf("bootstrap %s: unexpected reply %q", spec.Boot.Entry, reply.Command)
	}
}

func (s *Stream) readLoop() {
	defer func() {
		s.stopWrite()
		activeContexts.WithLabelValues(s.kind).Dec()
		close(s.out)
		close(s.readEnd)
	}()

	for {
		env := &envelope.Envelope{}
		if err := envelope.ReadMessage(s.rw, s.format, env); err != nil {
			s.fail("read frame", err)
			return
		}
		s.out <- env
	}
}

// writeLoop drains the outbox onto the stream. A failed write closes the
// stream, which ends the reader and with it Messages.
func (s *Stream) writeLoop(ctx context.Context) {
	for {
		env, err := s.outbox.pop(ctx)
		if err != nil {
			return
		}
		if err := envelope.WriteMessage(s.rw, s.format, env); err != nil {
			s.fail("post "+string(env.Command), err)
			s.rw.Close()
			return
		}
	}
}

func (s *Stream) fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	switch {
	case s.terminated:
		s.err = ErrTerminated
	case errors.Is(err, io.EOF):
		s.err = fmt.Errorf("worker closed the stream: %w", err)
	default:
		s.err = fmt.Errorf("%s: %w", op, err)
	}
	if !s.terminated {
		s.logger.Warn("context lost", "error", s.err)
	}
}

// Post implements Context. The envelope is queued for the writer, so Post
// never waits on a worker that has stopped reading.
func (s *Stream) Post(env *envelope.Envelope) error {
	s.mu.Lock()
	terminated, err := s.terminated, s.err
	s.mu.Unlock()
	if terminated {
		return ErrTerminated
	}
	if err != nil {
		return err
	}
	s.outbox.push(env.Transfer())
	return nil
}

// Messages implements Context.
func (s *Stream) Messages() <-chan *envelope.Envelope { return s.out }

// Err implements Context.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Terminate implements Context by closing the stream. Envelopes not yet
// written are dropped. Frames still pending in Messages must be drained for
// the reader to finish.
func (s *Stream) Terminate() error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	s.mu.Unlock()
	s.stopWrite()

	go func() {
		for range s.out {
		}
	}()
	return s.rw.Close()
}

// done is closed once the reader has stopped.
func (s *Stream) done() <-chan struct{} { return s.readEnd }
