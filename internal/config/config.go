package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/seantiz/taskdirector/internal/envelope"
)

// Worker modes select the transport that hosts execution contexts.
const (
	WorkerModeInProcess = "inprocess"
	WorkerModeProcess   = "process"
	WorkerModeUnix      = "unix"
	WorkerModeVsock     = "vsock"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "taskdirector.db"
	defaultWorkerBin  = "taskworker"

	envListenAddr  = "TASKDIRECTOR_LISTEN_ADDR"
	envDBPath      = "TASKDIRECTOR_DB_PATH"
	envLogLevel    = "TASKDIRECTOR_LOG_LEVEL"
	envMaxParallel = "TASKDIRECTOR_MAX_PARALLEL"
	envWorkerMode  = "TASKDIRECTOR_WORKER_MODE"
	envWorkerBin   = "TASKDIRECTOR_WORKER_BIN"
	envWorkerAddr  = "TASKDIRECTOR_WORKER_ADDR"
	envWireFormat  = "TASKDIRECTOR_WIRE_FORMAT"
	envTasksFile   = "TASKDIRECTOR_TASKS_FILE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// MaxParallel is the pool size for task types that do not set one.
	// Zero keeps the dispatcher default.
	MaxParallel int
	WorkerMode  string
	WorkerBin   string
	// WorkerAddr is the worker host address for the unix and vsock modes,
	// in the form accepted by transport.ParseAddr.
	WorkerAddr string
	WireFormat envelope.Format
	TasksFile  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		WorkerMode: WorkerModeInProcess,
		WorkerBin:  defaultWorkerBin,
		WireFormat: envelope.FormatJSON,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMaxParallel); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallel = n
		}
	}
	if v := os.Getenv(envWorkerMode); v != "" {
		cfg.WorkerMode = strings.ToLower(v)
	}
	if v := os.Getenv(envWorkerBin); v != "" {
		cfg.WorkerBin = v
	}
	if v := os.Getenv(envWorkerAddr); v != "" {
		cfg.WorkerAddr = v
	}
	if v := os.Getenv(envWireFormat); v != "" {
		cfg.WireFormat = envelope.Format(strings.ToLower(v))
	}
	if v := os.Getenv(envTasksFile); v != "" {
		cfg.TasksFile = v
	}

	return cfg
}

// Validate reports settings that Load accepted verbatim but cannot be used.
func (c Config) Validate() error {
	if c.MaxParallel < 0 {
		return fmt.Errorf("%s must not be negative", envMaxParallel)
	}
	if _, err := envelope.ParseFormat(string(c.WireFormat)); err != nil {
		return fmt.Errorf("%s: %w", envWireFormat, err)
	}
	switch c.WorkerMode {
	case WorkerModeInProcess, WorkerModeProcess:
	case WorkerModeUnix, WorkerModeVsock:
		if c.WorkerAddr == "" {
			return fmt.Errorf("%s is required in %s mode", envWorkerAddr, c.WorkerMode)
		}
	default:
		return fmt.Errorf("%s: unknown worker mode %q", envWorkerMode, c.WorkerMode)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
