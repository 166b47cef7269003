package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// Server is an SSH server that supports TCP tunneling via direct-tcpip channels.
//
// This implements the server side of SSH local port forwarding: clients open
// "direct-tcpip" channels and the server dials the requested destination and
// proxies data bidirectionally.
type Server struct {
	config   *ssh.ServerConfig
	listener net.Listener
	dialer   ContextDialer
	logger   *slog.Logger

	handshakes atomic.Int64
	forwards   atomic.Int64

	mu       sync.Mutex
	closed   bool
	conns    map[*ssh.ServerConn]struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// ServerConfig holds configuration for the SSH server.
type ServerConfig struct {
	// HostKeys are the server's private host key(s). At least one is required.
	HostKeys []ssh.Signer

	// PasswordCallback authenticates users by password. At least one of
	// PasswordCallback or PublicKeyCallback must be set.
	PasswordCallback func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error)

	// PublicKeyCallback authenticates users by public key.
	PublicKeyCallback func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)

	// Dialer is used to establish outbound connections for direct-tcpip channels.
	// If nil, a default net.Dialer is used.
	Dialer ContextDialer

	// Logger receives connection and channel events. Defaults to slog.Default().
	Logger *slog.Logger
}

// directTCPIPPayload is the payload for direct-tcpip channel requests.
type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// NewServer creates a new SSH tunnel server listening on the given address.
func NewServer(addr string, cfg ServerConfig) (*Server, error) {
	if cfg.PasswordCallback == nil && cfg.PublicKeyCallback == nil {
		return nil, errors.New("ssh server: at least one auth callback required")
	}

	sshConfig := &ssh.ServerConfig{
		PasswordCallback:  cfg.PasswordCallback,
		PublicKeyCallback: cfg.PublicKeyCallback,
	}

	if len(cfg.HostKeys) == 0 {
		return nil, errors.New("ssh server: at least one host key required")
	}
	for _, key := range cfg.HostKeys {
		sshConfig.AddHostKey(key)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh server listen: %w", err)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config:   sshConfig,
		listener: ln,
		dialer:   dialer,
		logger:   logger,
		conns:    make(map[*ssh.ServerConn]struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Handshakes returns the number of SSH handshakes (including authentication)
// that have completed successfully.
func (s *Server) Handshakes() int64 {
	return s.handshakes.Load()
}

// Forwards returns the number of direct-tcpip channel requests received,
// whether or not they were accepted.
func (s *Server) Forwards() int64 {
	return s.forwards.Load()
}

// Serve accepts and handles SSH connections until the server is closed.
//
// This method blocks until Close is called or an unrecoverable error occurs.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return fmt.Errorf("ssh server accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// DropConnections closes every established SSH connection without stopping
// the listener. Clients observe their transport closing.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops accepting new connections and waits for existing connections to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) track(c *ssh.ServerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *ssh.ServerConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// handleConn handles a single SSH connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		s.logger.Debug("ssh server: handshake failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	defer sshConn.Close()

	if !s.track(sshConn) {
		return
	}
	defer s.untrack(sshConn)
	s.handshakes.Add(1)

	// Answer keepalives and any other global request with failure, as OpenSSH
	// does for requests it doesn't know.
	go ssh.DiscardRequests(reqs)

	// Forwarded dials live as long as the SSH connection does. Closing the
	// connection on shutdown unblocks the channel loop below.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(ctx, func() {
		_ = sshConn.Close()
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
			cancel()
		}
	}()

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		s.forwards.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleDirectTCPIP(ctx, newChan)
		}()
	}
	cancel()
	wg.Wait()
}

// handleDirectTCPIP handles a direct-tcpip channel request.
func (s *Server) handleDirectTCPIP(ctx context.Context, newChan ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	addr := net.JoinHostPort(payload.Host, strconv.FormatUint(uint64(payload.Port), 10))
	dst, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}

	go ssh.DiscardRequests(reqs)

	defer ch.Close()
	defer dst.Close()

	// Propagate each direction's EOF as a half-close so request/response
	// protocols see the end of the request while the response still flows.
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(dst, ch)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(ch, dst)
		_ = ch.CloseWrite()
		done <- struct{}{}
	}()

	select {
	case <-done:
		<-done
	case <-ctx.Done():
	}
}

// SimplePasswordAuth returns a PasswordCallback that authenticates against
// a single username/password pair.
func SimplePasswordAuth(username, password string) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
		if conn.User() != username || string(pass) != password {
			return nil, errors.New("invalid credentials")
		}
		return &ssh.Permissions{}, nil
	}
}

// AuthorizedKey returns a PublicKeyCallback that accepts username
// authenticating with any of keys.
func AuthorizedKey(username string, keys ...ssh.PublicKey) func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if conn.User() == username {
			for _, k := range keys {
				if bytes.Equal(k.Marshal(), key.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
		}
		return nil, fmt.Errorf("unknown public key for %q", conn.User())
	}
}
