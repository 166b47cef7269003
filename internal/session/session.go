package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/sshhttp/internal/metrics"
	internalssh "github.com/die-net/sshhttp/internal/ssh"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateUnestablished State = iota
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnestablished:
		return "unestablished"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Session is one SSH transport shared by many forwarded channels. A closed
// session is never reused.
type Session struct {
	id          string
	addr        string
	keepAlive   time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger
	onClose     func(*Session)

	mu          sync.Mutex
	state       State
	transport   Transport
	hostKey     ssh.PublicKey
	fingerprint string
	verifyErr   error
	active      bool
	stopKeep    chan struct{}
	idleTimer   *time.Timer
	err         error
	done        chan struct{}
}

func newSession(addr string, cfg Config, logger *slog.Logger, onClose func(*Session)) *Session {
	id := uuid.NewString()
	return &Session{
		id:          id,
		addr:        addr,
		keepAlive:   cfg.KeepAlive,
		idleTimeout: cfg.IdleTimeout,
		logger:      logger.With("session", id, "addr", addr),
		onClose:     onClose,
		state:       StateConnecting,
		done:        make(chan struct{}),
	}
}

// ID returns a random identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fingerprint returns the SHA256 fingerprint of the verified host key, or ""
// before verification.
func (s *Session) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Active reports whether any refed socket currently uses the session.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Forward opens a direct-tcpip channel to host:port. A failure the server
// reports for this channel leaves the session usable; any other failure means
// the transport is unhealthy, and the session is closed.
func (s *Session) Forward(ctx context.Context, host string, port int) (net.Conn, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))

	s.mu.Lock()
	state, t, cause := s.state, s.transport, s.err
	s.mu.Unlock()
	if state != StateReady {
		metrics.ForwardsTotal.WithLabelValues(metrics.ResultError).Inc()
		if cause == nil {
			cause = fmt.Errorf("session is %s", state)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrForward, address, cause)
	}

	conn, err := t.DialContext(ctx, "tcp", address)
	if err != nil {
		metrics.ForwardsTotal.WithLabelValues(metrics.ResultError).Inc()

		var openErr *ssh.OpenChannelError
		if !errors.As(err, &openErr) && ctx.Err() == nil {
			s.close(fmt.Errorf("%w: %w", ErrTransportClosed, err))
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrForward, address, err)
	}

	metrics.ForwardsTotal.WithLabelValues(metrics.ResultOK).Inc()
	s.logger.Debug("ssh: forwarded", "target", address)
	return conn, nil
}

// SetActive marks whether refed sockets use the session. An active session
// sends keepalives; an inactive one may be dropped after the idle timeout.
func (s *Session) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady || s.active == active {
		return
	}
	s.active = active

	if active {
		s.stopIdleLocked()
		if s.keepAlive > 0 {
			s.stopKeep = make(chan struct{})
			go s.keepAliveLoop(s.transport, s.keepAlive, s.stopKeep)
		}
		return
	}

	s.stopKeepAliveLocked()
	s.armIdleLocked()
}

// Close closes the session and its transport. It is safe to call more than
// once.
func (s *Session) Close() error {
	s.close(ErrClosed)
	return nil
}

// hostKeyCallback verifies the first host key a session sees through verify,
// and afterwards only that re-keys present the same key.
func (s *Session) hostKeyCallback(ctx context.Context, verify func(context.Context, internalssh.HostKey) error) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		s.mu.Lock()
		known := s.hostKey
		s.mu.Unlock()
		if known != nil {
			if !bytes.Equal(known.Marshal(), key.Marshal()) {
				return fmt.Errorf("host key for %s changed during session", hostname)
			}
			return nil
		}

		hk := internalssh.HostKey{
			Hostname:    hostname,
			Remote:      remote,
			Key:         key,
			Fingerprint: ssh.FingerprintSHA256(key),
		}
		if err := verify(ctx, hk); err != nil {
			s.mu.Lock()
			s.verifyErr = err
			s.mu.Unlock()
			return err
		}

		s.mu.Lock()
		s.hostKey = key
		s.fingerprint = hk.Fingerprint
		s.mu.Unlock()
		return nil
	}
}

func (s *Session) verificationErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyErr
}

// ready moves a connecting session to StateReady and watches t for closure.
func (s *Session) ready(t Transport) bool {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		_ = t.Close()
		return false
	}
	s.state = StateReady
	s.transport = t
	s.armIdleLocked()
	s.mu.Unlock()

	metrics.SessionsOpen.Inc()
	s.logger.Info("ssh: session ready", "fingerprint", s.Fingerprint())

	go func() {
		err := t.Wait()
		if err == nil {
			err = ErrTransportClosed
		} else {
			err = fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		s.close(err)
	}()
	return true
}

func (s *Session) close(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasReady := s.state == StateReady
	s.state = StateClosed
	s.err = err
	s.active = false
	s.stopKeepAliveLocked()
	s.stopIdleLocked()
	t := s.transport
	close(s.done)
	s.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	if wasReady {
		metrics.SessionsOpen.Dec()
		s.logger.Info("ssh: session closed", "err", err)
	}
	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *Session) keepAliveLoop(t Transport, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		// Servers that don't know the request answer with a failure reply,
		// which still proves the transport is alive.
		if _, _, err := t.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			metrics.KeepAliveFailuresTotal.Inc()
			s.logger.Warn("ssh: keepalive failed", "err", err)
			s.close(fmt.Errorf("%w: keepalive: %w", ErrTransportClosed, err))
			return
		}
	}
}

func (s *Session) armIdleLocked() {
	if s.idleTimeout <= 0 || s.idleTimer != nil {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.idleTimeout, func() {
		s.mu.Lock()
		idle := s.idleTimer == timer && !s.active && s.state == StateReady
		s.mu.Unlock()
		if idle {
			metrics.IdleDropsTotal.Inc()
			s.close(ErrIdle)
		}
	})
	s.idleTimer = timer
}

func (s *Session) stopIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Session) stopKeepAliveLocked() {
	if s.stopKeep != nil {
		close(s.stopKeep)
		s.stopKeep = nil
	}
}
