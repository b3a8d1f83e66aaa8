// testserver starts a taskdirector API server with the builtin workers
// running in process and history kept in memory, for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/taskdirector/internal/api"
	"github.com/seantiz/taskdirector/internal/dispatcher"
	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/model"
	"github.com/seantiz/taskdirector/internal/store"
	"github.com/seantiz/taskdirector/internal/transport"
	"github.com/seantiz/taskdirector/internal/worker"
	"github.com/seantiz/taskdirector/internal/worker/builtin"
)

// slowEntry is a worker that reports progress in steps before echoing its
// input, so clients can watch the progress stream.
const slowEntry = "slow"

type slowWorker struct {
	delay time.Duration
	steps []string
}

func (*slowWorker) Init(context.Context, *envelope.Envelope) error { return nil }

func (s *slowWorker) Execute(ctx context.Context, msg *envelope.Envelope, emit worker.Emitter) (*envelope.Envelope, error) {
	for i, step := range s.steps {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		progress := envelope.New(envelope.CommandIntermediate)
		progress.Progress = float64(i+1) / float64(len(s.steps))
		progress.SetParam("step", step)
		if err := emit.Intermediate(progress); err != nil {
			return nil, err
		}
	}
	if reason := msg.Param("fail"); reason != "" {
		return nil, errors.New(reason)
	}
	return msg.Transfer(), nil
}

func main() {
	addr := ":8080"
	if v := os.Getenv("TASKDIRECTOR_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	catalog := worker.NewCatalog()
	builtin.Register(catalog)
	catalog.RegisterEntry(slowEntry, func(*worker.Scope) (worker.Worker, error) {
		return &slowWorker{
			delay: 150 * time.Millisecond,
			steps: []string{"loading", "processing", "done"},
		}, nil
	})

	journal := dispatcher.NewJournal(db, model.NewID(), logger)
	defer journal.Close()
	d := dispatcher.New(transport.NewInProcess(catalog, logger),
		dispatcher.WithLogger(logger), dispatcher.WithJournal(journal))
	defer d.Dispose()

	for _, desc := range []dispatcher.Descriptor{
		{Name: "echo", MaxParallelExecutions: 2},
		{Name: "slow", MaxParallelExecutions: 2},
		{Name: "digest", Dependencies: []string{builtin.DepSHA256, builtin.DepCRC32}},
	} {
		if err := d.RegisterTask(desc); err != nil {
			log.Fatalf("register %s: %v", desc.Name, err)
		}
	}

	srv := api.NewServer(addr, d, db, journal.RunID(), logger)

	logger.Info("testserver: starting", "addr", addr, "run_id", journal.RunID())
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
	}
}
