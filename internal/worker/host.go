package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/seantiz/taskdirector/internal/envelope"
)

// inboxSize bounds the frames read ahead of the runner.
const inboxSize = 16

// Host serves execution contexts over framed streams. Each connection is one
// context: it is bootstrapped by its first frame and then driven by a Runner.
type Host struct {
	catalog *Catalog
	format  envelope.Format
	logger  *slog.Logger
}

// NewHost creates a host that boots workers from catalog.
func NewHost(catalog *Catalog, format envelope.Format, logger *slog.Logger) *Host {
	return &Host{
		catalog: catalog,
		format:  format,
		logger:  logger,
	}
}

// Serve accepts connections and serves each one as a context. It blocks
// until the listener is closed or an unrecoverable error occurs.
func (h *Host) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := h.ServeConn(ctx, conn); err != nil {
				h.logger.Warn("context ended", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// ServeConn runs one execution context over rw and closes it when done.
func (h *Host) ServeConn(ctx context.Context, rw io.ReadWriteCloser) error {
	defer rw.Close()

	var boot envelope.Envelope
	if err := envelope.ReadMessage(rw, h.format, &boot); err != nil {
		return fmt.Errorf("read bootstrap: %w", err)
	}

	spec, err := ParseBootSpec(&boot)
	if err != nil {
		_ = envelope.WriteMessage(rw, h.format, boot.Failure(err))
		return fmt.Errorf("parse bootstrap: %w", err)
	}

	w, err := h.catalog.Bootstrap(spec)
	if err != nil {
		_ = envelope.WriteMessage(rw, h.format, boot.Failure(err))
		return fmt.Errorf("bootstrap %s: %w", spec.Entry, err)
	}
	if err := envelope.WriteMessage(rw, h.format, boot.Reply(envelope.CommandReady)); err != nil {
		return fmt.Errorf("write ready: %w", err)
	}

	logger := h.logger.With("task_type", boot.TaskTypeName, "worker_id", boot.WorkerID)
	logger.Debug("context ready", "entry", spec.Entry, "dependencies", spec.Dependencies)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := make(chan *envelope.Envelope, inboxSize)
	readErr := make(chan error, 1)
	go func() {
		defer close(inbox)
		for {
			env := &envelope.Envelope{}
			if err := envelope.ReadMessage(rw, h.format, env); err != nil {
				readErr <- err
				return
			}
			select {
			case inbox <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(env *envelope.Envelope) error {
		return envelope.WriteMessage(rw, h.format, env.Transfer())
	}
	runErr := NewRunner(w, send, logger).Run(ctx, inbox)
	if runErr != nil {
		return runErr
	}

	select {
	case err := <-readErr:
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	default:
		return nil
	}
}
