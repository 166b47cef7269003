package session

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	internalssh "github.com/die-net/sshhttp/internal/ssh"
)

// DefaultPort is used when Config.Port is zero.
const DefaultPort = 22

// Config describes how to reach and authenticate to the SSH server.
type Config struct {
	Host     string
	Port     int
	Username string

	// Password enables password authentication when non-empty.
	Password string

	// PrivateKey is raw key material and takes precedence over KeyPath.
	PrivateKey []byte
	// KeyPath is read when PrivateKey is empty. When both are empty the
	// default key under the home directory is tried, and skipped if missing.
	KeyPath string
	// Passphrase decrypts an encrypted key. An encrypted key without one is
	// skipped with a warning.
	Passphrase string

	// Fingerprint, if set, pins the host key. It must equal the key's
	// "SHA256:..." fingerprint or its MD5 fingerprint, with or without colons.
	Fingerprint string
	// Verifier decides on the host key when Fingerprint is empty. Nil accepts
	// and logs the key.
	Verifier Verifier

	// AgentSocket is the SSH agent socket whose keys are offered, if set.
	AgentSocket string

	// KeepAlive is the interval between keepalive requests while the session
	// is active. Zero disables keepalives.
	KeepAlive time.Duration
	// IdleTimeout closes a session that has been inactive this long. Zero
	// keeps idle sessions open.
	IdleTimeout time.Duration

	// DialTimeout bounds the TCP connect and HandshakeTimeout bounds the SSH
	// handshake. Zero means no limit.
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Addr returns the server's host:port.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Verifier decides whether to trust a server's host key. Verify may block;
// the handshake waits for its answer.
type Verifier interface {
	Verify(ctx context.Context, key internalssh.HostKey) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, key internalssh.HostKey) error

func (f VerifierFunc) Verify(ctx context.Context, key internalssh.HostKey) error {
	return f(ctx, key)
}

// Transport is an established SSH connection. *ssh.Client implements it.
type Transport interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Wait() error
	Close() error
}

var _ Transport = (*ssh.Client)(nil)

// Connector establishes transports. Connect must honor ctx cancellation.
type Connector interface {
	Connect(ctx context.Context, addr string, cfg internalssh.ClientConfig) (Transport, error)
}

// SSHConnector connects over TCP with Dialer and runs the SSH handshake.
type SSHConnector struct {
	Dialer internalssh.ContextDialer
}

// Connect implements Connector.
func (c SSHConnector) Connect(ctx context.Context, addr string, cfg internalssh.ClientConfig) (Transport, error) {
	d := c.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	client, err := internalssh.Dial(ctx, d, addr, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithConnector replaces the default SSHConnector.
func WithConnector(c Connector) Option {
	return func(m *Manager) {
		m.connector = c
	}
}

// WithEnv replaces the environment consulted for the default key path.
func WithEnv(e Env) Option {
	return func(m *Manager) {
		m.env = e
		m.envSet = true
	}
}
