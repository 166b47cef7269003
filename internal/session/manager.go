package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/sshhttp/internal/metrics"
	internalssh "github.com/die-net/sshhttp/internal/ssh"
)

// Manager hands out the shared Session, dialing it on first use and again
// after it closes.
//
// Lifecycle notes:
//   - The transport is created lazily by the first Session call.
//   - Concurrent callers share a single dial and all observe its outcome.
//   - A closed session is forgotten; the next Session call dials a new one.
//     Nothing is retried automatically.
//   - Canceling a caller's ctx abandons only that caller's wait.
type Manager struct {
	cfg       Config
	addr      string
	env       Env
	envSet    bool
	connector Connector
	logger    *slog.Logger

	mu         sync.Mutex
	current    *Session
	connecting *Session
	cancelDial context.CancelCauseFunc
	sf         singleflight.Group
}

// NewManager validates cfg and returns a Manager. No connection is made.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Host == "" {
		return nil, errors.New("session: missing ssh host")
	}
	if cfg.Username == "" {
		return nil, errors.New("session: missing username")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("session: invalid port %d", cfg.Port)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:       cfg,
		addr:      cfg.Addr(),
		connector: SSHConnector{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if !m.envSet {
		env, err := LoadEnv()
		if err != nil {
			return nil, err
		}
		m.env = env
	}
	return m, nil
}

// Addr returns the SSH server address.
func (m *Manager) Addr() string {
	return m.addr
}

// Current returns the ready session, or nil if there is none.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.State() != StateReady {
		m.current = nil
	}
	return m.current
}

// Session returns the ready session, dialing one if needed.
//
// Uses singleflight so only one dial runs at a time. The dial runs on a
// background context so that it completes for other waiters even if the
// triggering caller's ctx is canceled.
func (m *Manager) Session(ctx context.Context) (*Session, error) {
	if s := m.Current(); s != nil {
		return s, nil
	}

	ch := m.sf.DoChan("connect", func() (any, error) {
		// Double-check under singleflight in case a previous call just finished.
		if s := m.Current(); s != nil {
			return s, nil
		}
		m.mu.Lock()
		dctx, cancel := context.WithCancelCause(context.Background())
		m.cancelDial = cancel
		m.mu.Unlock()

		s, err := m.dial(dctx)

		m.mu.Lock()
		m.cancelDial = nil
		m.connecting = nil
		if err == nil {
			if cause := context.Cause(dctx); cause != nil {
				// Aborted after the handshake finished.
				s.close(cause)
				err = fmt.Errorf("ssh connect %s aborted: %w", m.addr, cause)
			} else {
				m.current = s
			}
		}
		m.mu.Unlock()
		cancel(nil)

		if err != nil {
			return nil, err
		}
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

// Abort cancels an in-flight dial and closes the current session, both with
// cause.
func (m *Manager) Abort(cause error) {
	m.mu.Lock()
	cancel, connecting, current := m.cancelDial, m.connecting, m.current
	m.current = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel(cause)
	}
	if connecting != nil {
		connecting.close(cause)
	}
	if current != nil {
		current.close(cause)
	}
}

// Close closes the current session and cancels any dial in progress. The
// Manager stays usable: the next Session call dials again.
func (m *Manager) Close() error {
	m.Abort(ErrClosed)
	return nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

func (m *Manager) dial(ctx context.Context) (*Session, error) {
	start := time.Now()
	s, err := m.connect(ctx)
	if err != nil {
		metrics.SessionDialsTotal.WithLabelValues(metrics.ResultError).Inc()
		m.logger.Warn("ssh: connect failed", "addr", m.addr, "err", err)
		return nil, err
	}
	metrics.SessionDialsTotal.WithLabelValues(metrics.ResultOK).Inc()
	metrics.SessionDialSeconds.Observe(time.Since(start).Seconds())
	return s, nil
}

func (m *Manager) connect(ctx context.Context) (*Session, error) {
	s := newSession(m.addr, m.cfg, m.logger, m.forget)

	m.mu.Lock()
	m.connecting = s
	m.mu.Unlock()

	auth, closer, err := m.authMethods(ctx)
	if err != nil {
		s.close(err)
		return nil, fmt.Errorf("%w: %s: %w", ErrAuth, m.addr, err)
	}
	if closer != nil {
		defer closer.Close()
	}

	t, err := m.connector.Connect(ctx, m.addr, internalssh.ClientConfig{
		Username:         m.cfg.Username,
		Auth:             auth,
		HostKeyCallback:  s.hostKeyCallback(ctx, m.verify),
		Timeout:          m.cfg.DialTimeout,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
	})
	if err == nil && ctx.Err() != nil {
		_ = t.Close()
		err = ctx.Err()
	}
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			s.close(cause)
			return nil, fmt.Errorf("ssh connect %s aborted: %w", m.addr, cause)
		}
		s.close(err)

		if verr := s.verificationErr(); verr != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrVerification, m.addr, verr)
		}
		// The client reports exhausted auth methods only as text.
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s: %w", ErrAuth, m.addr, err)
		}
		return nil, fmt.Errorf("ssh connect %s: %w", m.addr, err)
	}

	if !s.ready(t) {
		return nil, fmt.Errorf("ssh connect %s: %w", m.addr, s.Err())
	}
	return s, nil
}

// verify checks a host key against the pinned fingerprint, or else asks the
// configured Verifier.
func (m *Manager) verify(ctx context.Context, hk internalssh.HostKey) error {
	if m.cfg.Fingerprint != "" {
		if !internalssh.MatchFingerprint(hk.Key, m.cfg.Fingerprint) {
			return fmt.Errorf("fingerprint %s does not match %s", hk.Fingerprint, m.cfg.Fingerprint)
		}
		return nil
	}
	if m.cfg.Verifier != nil {
		return m.cfg.Verifier.Verify(ctx, hk)
	}
	m.logger.Info("ssh: accepting host key", "addr", m.addr, "fingerprint", hk.Fingerprint)
	return nil
}

// authMethods assembles the authentication methods to offer, in order: key,
// agent keys, password. The returned closer, if any, releases the agent
// connection once the handshake is over.
func (m *Manager) authMethods(ctx context.Context) ([]ssh.AuthMethod, io.Closer, error) {
	var signers []ssh.Signer

	key, err := m.loadKey()
	if err != nil {
		return nil, nil, err
	}
	if key != nil {
		signers = append(signers, key)
	}

	var closer io.Closer
	if m.cfg.AgentSocket != "" {
		agentSigners, c, err := internalssh.AgentSigners(ctx, m.cfg.AgentSocket)
		if err != nil {
			m.logger.Warn("ssh: agent unavailable", "socket", m.cfg.AgentSocket, "err", err)
		} else {
			signers = append(signers, agentSigners...)
			closer = c
		}
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if m.cfg.Password != "" {
		methods = append(methods, ssh.Password(m.cfg.Password))
	}
	return methods, closer, nil
}

// loadKey returns the configured private key, or nil if there is none to use.
func (m *Manager) loadKey() (ssh.Signer, error) {
	data := m.cfg.PrivateKey
	path := m.cfg.KeyPath
	explicit := len(data) > 0 || path != ""

	if len(data) == 0 {
		if path == "" {
			path = m.env.DefaultKeyPath()
		}
		if path == "" {
			return nil, nil
		}

		var err error
		data, err = internalssh.ReadPrivateKey(path)
		if err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
	}

	signer, err := internalssh.ParsePrivateKey(data, []byte(m.cfg.Passphrase))
	if err != nil {
		if internalssh.IsPassphraseMissing(err) {
			m.logger.Warn("ssh: skipping encrypted key without passphrase", "path", path)
			return nil, nil
		}
		return nil, err
	}
	return signer, nil
}
