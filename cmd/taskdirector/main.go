package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/taskdirector/internal/api"
	"github.com/seantiz/taskdirector/internal/config"
	"github.com/seantiz/taskdirector/internal/dispatcher"
	"github.com/seantiz/taskdirector/internal/model"
	"github.com/seantiz/taskdirector/internal/store"
	"github.com/seantiz/taskdirector/internal/transport"
	"github.com/seantiz/taskdirector/internal/worker"
	"github.com/seantiz/taskdirector/internal/worker/builtin"
)

const initTimeout = time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger.Info("taskdirector: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"worker_mode", cfg.WorkerMode,
		"wire_format", string(cfg.WireFormat),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	spawner, err := newSpawner(cfg, logger)
	if err != nil {
		log.Fatalf("failed to set up workers: %v", err)
	}

	journal := dispatcher.NewJournal(db, model.NewID(), logger)
	defer journal.Close()

	d := dispatcher.New(spawner,
		dispatcher.WithLogger(logger),
		dispatcher.WithJournal(journal),
		dispatcher.WithDefaultMaxParallel(cfg.MaxParallel),
	)
	defer d.Dispose()

	if cfg.TasksFile != "" {
		if err := registerTasks(ctx, d, cfg, logger); err != nil {
			d.Dispose()
			log.Fatalf("failed to register task types: %v", err)
		}
	}

	srv := api.NewServer(cfg.ListenAddr, d, db, journal.RunID(), logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
	}
}

// newSpawner builds the transport selected by the worker mode.
func newSpawner(cfg config.Config, logger *slog.Logger) (transport.Spawner, error) {
	switch cfg.WorkerMode {
	case config.WorkerModeInProcess:
		catalog := worker.NewCatalog()
		builtin.Register(catalog)
		return transport.NewInProcess(catalog, logger), nil
	case config.WorkerModeProcess:
		return transport.NewProcess(cfg.WorkerBin, cfg.WireFormat, logger), nil
	case config.WorkerModeUnix, config.WorkerModeVsock:
		addr, err := transport.ParseAddr(cfg.WorkerAddr)
		if err != nil {
			return nil, err
		}
		return transport.NewDial(addr, cfg.WireFormat, logger), nil
	default:
		return nil, fmt.Errorf("unknown worker mode %q", cfg.WorkerMode)
	}
}

// registerTasks registers the task types of the tasks file and brings up
// the pools marked for initialization.
func registerTasks(ctx context.Context, d *dispatcher.Dispatcher, cfg config.Config, logger *slog.Logger) error {
	tasks, err := config.LoadTasks(cfg.TasksFile)
	if err != nil {
		return err
	}

	var pending []*dispatcher.Future[struct{}]
	var names []string
	for _, t := range tasks {
		if err := d.RegisterTask(t.Descriptor); err != nil {
			return err
		}
		if t.Initialize {
			pending = append(pending, d.InitializeTaskType(t.Descriptor.Name, nil))
			names = append(names, t.Descriptor.Name)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	for i, f := range pending {
		if _, err := f.Wait(ctx); err != nil {
			return fmt.Errorf("initialize %q: %w", names[i], err)
		}
		logger.Info("task type initialized", "task_type", names[i])
	}
	logger.Info("task types registered", "count", len(tasks), "file", cfg.TasksFile)
	return nil
}
