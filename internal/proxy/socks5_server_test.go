package proxy

import (
	"context"
	"testing"

	"github.com/txthinking/socks5"

	"github.com/die-net/sshhttp/internal/ssh/sshtest"
	"github.com/die-net/sshhttp/internal/testutil"
)

func startSOCKS5(t *testing.T, cfg Config) string {
	t.Helper()

	ln := listen(t, "socks5")
	srv := NewSOCKS5Server(context.Background(), cfg)
	go func() { _ = srv.Serve(ln) }()
	return ln.Addr().String()
}

func TestSOCKS5Connect(t *testing.T) {
	t.Parallel()

	cfg, srv := tunnelConfig(t, sshtest.Options{})
	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	proxyAddr := startSOCKS5(t, cfg)

	client, err := socks5.NewClient(proxyAddr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("hello"))

	if got := srv.Forwards(); got != 1 {
		t.Fatalf("expected 1 forward, got %d", got)
	}
}

// request performs a raw no-auth negotiation and one request, returning the
// server's reply code.
func request(t *testing.T, proxyAddr string, cmd byte, target string) byte {
	t.Helper()

	c := dial(t, proxyAddr)

	if _, err := socks5.NewNegotiationRequest([]byte{socks5.MethodNone}).WriteTo(c); err != nil {
		t.Fatal(err)
	}
	neg, err := socks5.NewNegotiationReplyFrom(c)
	if err != nil {
		t.Fatal(err)
	}
	if neg.Method != socks5.MethodNone {
		t.Fatalf("negotiated method %d", neg.Method)
	}

	atyp, addr, port, err := socks5.ParseAddress(target)
	if err != nil {
		t.Fatal(err)
	}
	if atyp == socks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := socks5.NewRequest(cmd, atyp, addr, port).WriteTo(c); err != nil {
		t.Fatal(err)
	}
	rep, err := socks5.NewReplyFrom(c)
	if err != nil {
		t.Fatal(err)
	}
	return rep.Rep
}

func TestSOCKS5Refused(t *testing.T) {
	t.Parallel()

	cfg, _ := tunnelConfig(t, sshtest.Options{Dialer: sshtest.RefusingDialer{}})
	proxyAddr := startSOCKS5(t, cfg)

	if got := request(t, proxyAddr, socks5.CmdConnect, "127.0.0.1:9"); got != socks5.RepConnectionRefused {
		t.Fatalf("expected connection refused reply, got %d", got)
	}
}

func TestSOCKS5CommandNotSupported(t *testing.T) {
	t.Parallel()

	cfg, srv := tunnelConfig(t, sshtest.Options{})
	proxyAddr := startSOCKS5(t, cfg)

	if got := request(t, proxyAddr, socks5.CmdBind, "127.0.0.1:9"); got != socks5.RepCommandNotSupported {
		t.Fatalf("expected command not supported reply, got %d", got)
	}
	if got := srv.Handshakes(); got != 0 {
		t.Fatalf("expected no SSH session, got %d handshakes", got)
	}
}

func TestSOCKS5RequiresNoAuth(t *testing.T) {
	t.Parallel()

	cfg, _ := tunnelConfig(t, sshtest.Options{})
	proxyAddr := startSOCKS5(t, cfg)

	c := dial(t, proxyAddr)
	if _, err := socks5.NewNegotiationRequest([]byte{socks5.MethodUsernamePassword}).WriteTo(c); err != nil {
		t.Fatal(err)
	}
	neg, err := socks5.NewNegotiationReplyFrom(c)
	if err != nil {
		t.Fatal(err)
	}
	if neg.Method != 0xff {
		t.Fatalf("expected no acceptable methods, got %d", neg.Method)
	}
}
