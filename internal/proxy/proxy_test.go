package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/die-net/sshhttp/internal/agent"
	"github.com/die-net/sshhttp/internal/session"
	"github.com/die-net/sshhttp/internal/ssh/sshtest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// tunnelConfig returns a proxy Config whose dialer tunnels through a fresh
// SSH forwarding server.
func tunnelConfig(t *testing.T, opts sshtest.Options) (Config, *sshtest.Server) {
	t.Helper()

	srv := sshtest.StartServer(t, opts)
	host, port := srv.HostPort()

	cfg := agent.DefaultConfig()
	cfg.Session = session.Config{
		Host:             host,
		Port:             port,
		Username:         srv.Username,
		PrivateKey:       srv.ClientKeyPEM,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		Logger:           discard,
	}
	a, err := agent.New(cfg, session.WithEnv(session.Env{}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })

	return Config{
		NegotiationTimeout: 2 * time.Second,
		HTTPIdleTimeout:    time.Minute,
		Dialer:             a,
		Logger:             discard,
	}, srv
}

func listen(t *testing.T, name string) *KeepAliveListener {
	t.Helper()

	ln, err := ListenTCP(context.Background(), name, "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()

	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}
