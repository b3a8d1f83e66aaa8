package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/seantiz/taskdirector/internal/envelope"
)

// Process starts one worker process per context and talks to it over its
// standard input and output.
type Process struct {
	bin    string
	args   []string
	format envelope.Format
	logger *slog.Logger
}

// NewProcess creates a spawner for the worker binary at bin. The process is
// started as "bin args... -mode stdio -format <format>".
func NewProcess(bin string, format envelope.Format, logger *slog.Logger, args ...string) *Process {
	return &Process{bin: bin, args: args, format: format, logger: logger}
}

// Spawn implements Spawner.
func (p *Process) Spawn(ctx context.Context, spec Spec) (Context, error) {
	start := time.Now()
	c, err := p.spawn(ctx, spec)
	if err != nil {
		spawnFailures.WithLabelValues(kindProcess).Inc()
		return nil, err
	}
	spawnDuration.WithLabelValues(kindProcess).Observe(time.Since(start).Seconds())
	return c, nil
}

func (p *Process) spawn(ctx context.Context, spec Spec) (*processContext, error) {
	args := append(append([]string(nil), p.args...), "-mode", "stdio", "-format", string(p.format))
	cmd := exec.Command(p.bin, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.bin, err)
	}

	logger := p.logger.With("task_type", spec.TaskTypeName, "worker_id", spec.WorkerID, "pid", cmd.Process.Pid)
	go forwardStderr(stderr, logger)

	rw := &pipeRW{Reader: stdout, WriteCloser: stdin}
	s, err := newStream(ctx, rw, p.format, spec, kindProcess, p.logger)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	c := &processContext{Stream: s, cmd: cmd, exited: make(chan struct{})}
	go c.reap(logger)
	return c, nil
}

// pipeRW joins a child's stdout and stdin into one stream.
type pipeRW struct {
	io.Reader
	io.WriteCloser
}

// processContext is a Stream whose far end is a child process.
type processContext struct {
	*Stream
	cmd    *exec.Cmd
	exited chan struct{}
}

// reap waits for the process once its output is exhausted.
func (c *processContext) reap(logger *slog.Logger) {
	<-c.Stream.done()
	err := c.cmd.Wait()
	close(c.exited)
	if err != nil {
		logger.Debug("worker process exited", "error", err)
	}
}

// Terminate kills the process and waits for it to be reaped.
func (c *processContext) Terminate() error {
	err := c.Stream.Terminate()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	<-c.exited
	return err
}

func forwardStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Info("worker stderr", "line", scanner.Text())
	}
}
