package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/taskdirector/internal/envelope"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Address networks understood by ParseAddr.
const (
	NetworkUnix     = "unix"
	NetworkVsock    = "vsock"
	NetworkVsockUDS = "vsock-uds"
)

// Addr locates a running worker host.
type Addr struct {
	Network string
	// Path is the unix socket, or the Firecracker vsock UDS for vsock-uds.
	Path string
	// CID is the vsock context ID for vsock.
	CID  uint32
	Port uint32
}

// ParseAddr parses "unix:<path>", "vsock:<cid>:<port>" or
// "vsock-uds:<path>:<port>".
func ParseAddr(s string) (Addr, error) {
	network, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return Addr{}, fmt.Errorf("invalid worker address %q", s)
	}

	switch network {
	case NetworkUnix:
		return Addr{Network: network, Path: rest}, nil
	case NetworkVsock:
		cid, port, ok := strings.Cut(rest, ":")
		if !ok {
			return Addr{}, fmt.Errorf("invalid vsock address %q: want vsock:<cid>:<port>", s)
		}
		c, err := strconv.ParseUint(cid, 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("invalid vsock cid %q: %w", cid, err)
		}
		p, err := strconv.ParseUint(port, 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("invalid vsock port %q: %w", port, err)
		}
		return Addr{Network: network, CID: uint32(c), Port: uint32(p)}, nil
	case NetworkVsockUDS:
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			return Addr{}, fmt.Errorf("invalid vsock-uds address %q: want vsock-uds:<path>:<port>", s)
		}
		p, err := strconv.ParseUint(rest[i+1:], 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("invalid vsock port %q: %w", rest[i+1:], err)
		}
		return Addr{Network: network, Path: rest[:i], Port: uint32(p)}, nil
	default:
		return Addr{}, fmt.Errorf("unsupported network %q", network)
	}
}

func (a Addr) String() string {
	switch a.Network {
	case NetworkVsock:
		return fmt.Sprintf("vsock:%d:%d", a.CID, a.Port)
	case NetworkVsockUDS:
		return fmt.Sprintf("vsock-uds:%s:%d", a.Path, a.Port)
	default:
		return a.Network + ":" + a.Path
	}
}

// Dial opens one connection per context to a worker host, typically a
// taskworker inside a Firecracker microVM.
type Dial struct {
	addr   Addr
	format envelope.Format
	logger *slog.Logger
}

// NewDial creates a spawner for the host at addr.
func NewDial(addr Addr, format envelope.Format, logger *slog.Logger) *Dial {
	return &Dial{addr: addr, format: format, logger: logger}
}

// Spawn implements Spawner. Connection failures are retried with exponential
// backoff.
func (d *Dial) Spawn(ctx context.Context, spec Spec) (Context, error) {
	start := time.Now()
	conn, err := dialWithRetry(ctx, d.addr)
	if err != nil {
		spawnFailures.WithLabelValues(kindDial).Inc()
		return nil, err
	}

	s, err := newStream(ctx, conn, d.format, spec, kindDial, d.logger)
	if err != nil {
		spawnFailures.WithLabelValues(kindDial).Inc()
		return nil, err
	}
	spawnDuration.WithLabelValues(kindDial).Observe(time.Since(start).Seconds())
	return s, nil
}

func dialWithRetry(ctx context.Context, addr Addr) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
		default:
		}

		conn, err := dialOnce(ctx, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial %s after %d attempts: %w", addr, dialMaxRetries, lastErr)
}

func dialOnce(ctx context.Context, addr Addr) (net.Conn, error) {
	switch addr.Network {
	case NetworkUnix:
		var dialer net.Dialer
		return dialer.DialContext(ctx, "unix", addr.Path)
	case NetworkVsock:
		conn, err := vsock.Dial(addr.CID, addr.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("dial vsock %d:%d: %w", addr.CID, addr.Port, err)
		}
		return conn, nil
	case NetworkVsockUDS:
		return dialVsockUDS(ctx, addr.Path, addr.Port)
	default:
		return nil, fmt.Errorf("unsupported network %q", addr.Network)
	}
}

// dialVsockUDS connects to Firecracker's vsock UDS and sends the CONNECT
// handshake. Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for all later reads; it may have read ahead.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &bufferedConn{Conn: conn, r: reader}, nil
}

// bufferedConn reads through the reader used for the CONNECT handshake.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
