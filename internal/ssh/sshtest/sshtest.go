// Package sshtest starts loopback SSH forwarding servers for tests.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"testing"

	"golang.org/x/crypto/ssh"

	internalssh "github.com/die-net/sshhttp/internal/ssh"
)

// DefaultUsername is the account StartServer authorizes unless told otherwise.
const DefaultUsername = "tester"

// Options configures StartServer.
type Options struct {
	// Username defaults to DefaultUsername.
	Username string
	// Password, if set, additionally enables password authentication.
	Password string
	// Dialer reaches forwarding destinations. Defaults to a net.Dialer.
	Dialer internalssh.ContextDialer
	// AuthorizedKeys are accepted in addition to the generated client key.
	AuthorizedKeys []ssh.PublicKey
}

// Server is a running forwarding server plus the credentials to reach it.
type Server struct {
	*internalssh.Server

	Username  string
	HostKey   ssh.Signer
	ClientKey ssh.Signer
	// ClientKeyPEM is ClientKey in OpenSSH private key format.
	ClientKeyPEM []byte
}

// HostPort splits the listen address for configs that want them separately.
func (s *Server) HostPort() (string, int) {
	addr := s.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// StartServer starts a forwarding server on a loopback port with fresh host
// and client keys. It is closed when the test ends.
func StartServer(t *testing.T, opts Options) *Server {
	t.Helper()

	if opts.Username == "" {
		opts.Username = DefaultUsername
	}

	hostKey := GenerateKey(t)
	clientKey, clientPEM := GenerateKeyPEM(t, "")

	cfg := internalssh.ServerConfig{
		HostKeys:          []ssh.Signer{hostKey},
		PublicKeyCallback: internalssh.AuthorizedKey(opts.Username, append([]ssh.PublicKey{clientKey.PublicKey()}, opts.AuthorizedKeys...)...),
		Dialer:            opts.Dialer,
	}
	if opts.Password != "" {
		cfg.PasswordCallback = internalssh.SimplePasswordAuth(opts.Username, opts.Password)
	}

	srv, err := internalssh.NewServer("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() { _ = srv.Close() })

	return &Server{
		Server:       srv,
		Username:     opts.Username,
		HostKey:      hostKey,
		ClientKey:    clientKey,
		ClientKeyPEM: clientPEM,
	}
}

// GenerateKey returns a new Ed25519 signer.
func GenerateKey(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

// GenerateKeyPEM returns a new Ed25519 signer and its OpenSSH encoding,
// encrypted with passphrase if it is non-empty.
func GenerateKeyPEM(t testing.TB, passphrase string) (ssh.Signer, []byte) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "sshtest")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "sshtest", []byte(passphrase))
	}
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer, pem.EncodeToMemory(block)
}

// ErrRefused is returned by RefusingDialer.
var ErrRefused = errors.New("sshtest: destination refused")

// RefusingDialer fails every forwarding dial, so the server rejects the
// channel with "connect failed".
type RefusingDialer struct{}

func (RefusingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, ErrRefused
}

// HangingDialer blocks every forwarding dial until the SSH connection that
// requested it goes away.
type HangingDialer struct{}

func (HangingDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
