// Command taskworker hosts execution contexts for a taskdirector running
// elsewhere. In stdio mode it serves exactly one context over its standard
// streams, which is how the process transport starts it. In unix and vsock
// modes it listens and serves one context per connection, for the dial
// transport.
//
// Build for a microVM guest with: CGO_ENABLED=0 GOOS=linux go build -o taskworker ./cmd/taskworker
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/taskdirector/internal/config"
	"github.com/seantiz/taskdirector/internal/envelope"
	"github.com/seantiz/taskdirector/internal/worker"
	"github.com/seantiz/taskdirector/internal/worker/builtin"
)

const defaultVsockPort = 1024

// stdio joins the standard streams into the stream a context is served on.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdin.Close() }

func main() {
	mode := flag.String("mode", "stdio", "serving mode: stdio, unix or vsock")
	format := flag.String("format", string(envelope.FormatJSON), "wire format: json or cbor")
	socket := flag.String("socket", "/run/taskworker.sock", "unix socket path in unix mode")
	port := flag.Uint("port", defaultVsockPort, "vsock port in vsock mode")
	flag.Parse()

	// Stdout carries frames in stdio mode, so logs always go to stderr.
	logger := config.NewLogger(os.Stderr, config.Load().LogLevel)

	f, err := envelope.ParseFormat(*format)
	if err != nil {
		log.Fatalf("taskworker: %v", err)
	}

	catalog := worker.NewCatalog()
	builtin.Register(catalog)
	host := worker.NewHost(catalog, f, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("taskworker: starting", "mode", *mode, "format", string(f), "entries", catalog.Entries())

	switch *mode {
	case "stdio":
		err = host.ServeConn(ctx, stdio{})
	case "unix":
		err = serve(ctx, host, func() (net.Listener, error) {
			_ = os.Remove(*socket)
			return net.Listen("unix", *socket)
		})
	case "vsock":
		err = serve(ctx, host, func() (net.Listener, error) {
			return vsock.Listen(uint32(*port), nil)
		})
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil && ctx.Err() == nil {
		log.Fatalf("taskworker: %v", err)
	}
	logger.Info("taskworker: stopped")
}

// serve runs the host on a listener until ctx is cancelled.
func serve(ctx context.Context, host *worker.Host, listen func() (net.Listener, error)) error {
	l, err := listen()
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	return host.Serve(ctx, l)
}
