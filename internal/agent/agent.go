package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/die-net/sshhttp/internal/chansock"
	"github.com/die-net/sshhttp/internal/metrics"
	"github.com/die-net/sshhttp/internal/session"
)

// DefaultTimeout bounds how long a connection may take to be forwarded.
const DefaultTimeout = 15 * time.Second

// ErrTimeout means a connection was not forwarded within Config.Timeout. The
// shared transport is torn down along with the connection.
var ErrTimeout = errors.New("ssh connect timed out")

// Config configures an Agent.
type Config struct {
	Session session.Config

	// Timeout bounds session establishment plus channel open for each
	// connection. Zero disables the watchdog.
	Timeout time.Duration

	// HighWaterMark is passed to each socket. Zero uses the socket default.
	HighWaterMark int
}

// DefaultConfig returns a Config with the default connect timeout.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout}
}

// Agent creates outbound connections that are direct-tcpip channels on one
// shared SSH session.
//
// Lifecycle notes:
//   - The session is dialed by the first connection and shared afterwards.
//   - A connection that fails to forward fails alone; the session survives.
//   - While any refed connection on it is open the session is active and sends
//     keepalives.
//   - Close ends the session. A later connection dials a new one.
type Agent struct {
	cfg      Config
	sessions *session.Manager
	logger   *slog.Logger

	mu          sync.Mutex
	refs        int
	sessionRefs map[*session.Session]int
}

// New returns an Agent. No connection is made until the first
// CreateConnection or DialContext.
func New(cfg Config, opts ...session.Option) (*Agent, error) {
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("agent: negative timeout %s", cfg.Timeout)
	}

	m, err := session.NewManager(cfg.Session, opts...)
	if err != nil {
		return nil, err
	}

	logger := cfg.Session.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		cfg:         cfg,
		sessions:    m,
		logger:      logger,
		sessionRefs: make(map[*session.Session]int),
	}, nil
}

// Sessions returns the session manager backing a.
func (a *Agent) Sessions() *session.Manager {
	return a.sessions
}

// Refs returns the number of refed connections currently holding a session.
func (a *Agent) Refs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs
}

// Close ends the current session. Open connections on it are torn down.
func (a *Agent) Close() error {
	return a.sessions.Close()
}

// CreateConnection returns a socket for host:port immediately. Writes are
// buffered until the forwarded channel is attached; failures destroy the
// socket with the cause.
func (a *Agent) CreateConnection(host string, port int) *chansock.Socket {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	sock := chansock.New(chansock.Config{
		HighWaterMark: a.cfg.HighWaterMark,
		RemoteAddr:    chansock.Addr(target),
	})

	metrics.SocketsOpen.Inc()
	sock.OnClose(func(err error) {
		metrics.SocketsOpen.Dec()
		metrics.SocketBytesTotal.WithLabelValues("read").Add(float64(sock.BytesRead()))
		metrics.SocketBytesTotal.WithLabelValues("written").Add(float64(sock.BytesWritten()))
		a.logger.Debug("ssh: connection closed",
			"target", target,
			"sent", sizestr.ToString(sock.BytesWritten()),
			"received", sizestr.ToString(sock.BytesRead()),
			"err", err)
	})

	go a.open(sock, host, port)
	return sock
}

// DialContext opens a forwarded connection to address, waiting until the
// channel is attached. It has the signature of net/http.Transport.DialContext.
//
// Canceling ctx before the connection is established destroys it.
func (a *Agent) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh upstream dial %s %s: unsupported network", network, address)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("ssh upstream dial %s: invalid port", address)
	}

	sock := a.CreateConnection(host, port)

	select {
	case <-sock.Connected():
		return sock, nil
	case <-sock.Done():
		err := sock.Err()
		if err == nil {
			err = net.ErrClosed
		}
		return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
	case <-ctx.Done():
		sock.Destroy(ctx.Err())
		return nil, ctx.Err()
	}
}

// open obtains a session, forwards host:port and attaches the channel to sock.
func (a *Agent) open(sock *chansock.Socket, host string, port int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A consumer that gives up before the channel is attached stops the
	// wait for it.
	sock.OnClose(func(error) { cancel() })

	wd := a.startWatchdog(sock, cancel)

	s, err := a.sessions.Session(ctx)
	if err != nil {
		wd.stop()
		sock.Destroy(err)
		return
	}

	l := a.lease(sock, s)

	conn, err := s.Forward(ctx, host, port)
	if !wd.stop() {
		// The watchdog already destroyed sock.
		if conn != nil {
			_ = conn.Close()
		}
		l.release()
		return
	}
	if err != nil {
		a.logger.Debug("ssh: forward failed", "host", host, "port", port, "err", err)
		l.release()
		sock.Destroy(err)
		return
	}

	// The count drops as soon as the channel ends, even if the consumer
	// never reads the rest of the buffered data. A socket whose pump is
	// paused at the high-water mark can't see the end of a dead transport,
	// so the session going away releases it too.
	sock.OnEnd(func(error) { l.release() })
	go func() {
		select {
		case <-s.Done():
			l.release()
		case <-sock.Done():
		}
	}()
	if err := sock.Attach(conn); err != nil {
		_ = conn.Close()
		l.release()
		sock.Destroy(err)
	}
}

type watchdog struct {
	timer *time.Timer
}

// startWatchdog destroys sock with ErrTimeout and aborts the session dial or
// transport if the connection isn't forwarded within the configured timeout.
func (a *Agent) startWatchdog(sock *chansock.Socket, cancel context.CancelFunc) watchdog {
	if a.cfg.Timeout <= 0 {
		return watchdog{}
	}
	return watchdog{timer: time.AfterFunc(a.cfg.Timeout, func() {
		metrics.ConnectTimeoutsTotal.Inc()
		a.logger.Warn("ssh: connect timed out", "target", sock.RemoteAddr(), "timeout", a.cfg.Timeout)
		sock.Destroy(ErrTimeout)
		a.sessions.Abort(ErrTimeout)
		cancel()
	})}
}

// stop reports whether the watchdog was stopped before it fired.
func (w watchdog) stop() bool {
	return w.timer == nil || w.timer.Stop()
}
