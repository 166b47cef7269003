package ssh

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ContextDialer is the subset of *net.Dialer used to reach SSH servers and,
// on the server side, forwarding destinations.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ClientConfig holds configuration for establishing an SSH client connection.
type ClientConfig struct {
	// Username for SSH authentication.
	Username string
	// Auth lists the authentication methods offered, in order. An empty list
	// still attempts the "none" method.
	Auth []ssh.AuthMethod
	// HostKeyCallback verifies the server's host key.
	HostKeyCallback ssh.HostKeyCallback
	// Timeout is the maximum time for the TCP connection.
	Timeout time.Duration
	// HandshakeTimeout is the deadline for the SSH handshake. Zero means no timeout.
	HandshakeTimeout time.Duration
}

// NewClient establishes an SSH client connection over the given net.Conn.
//
// The conn is typically a TCP connection to the SSH server. The addr parameter
// is used for host key verification and should match the server's address.
//
// If cfg.HandshakeTimeout is set, a deadline is applied during the SSH
// handshake and cleared before returning.
//
// On error, conn is closed.
func NewClient(conn net.Conn, cfg ClientConfig, addr string) (*ssh.Client, error) {
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            cfg.Auth,
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	return ssh.NewClient(cc, chans, reqs), nil
}

// Dial connects to addr with d and performs the SSH handshake. Canceling ctx
// aborts both the TCP connect and the handshake.
func Dial(ctx context.Context, d ContextDialer, addr string, cfg ClientConfig) (*ssh.Client, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	// Close conn if ctx is canceled during handshake.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	return NewClient(conn, cfg, addr)
}
