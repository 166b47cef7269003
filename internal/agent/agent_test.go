package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/sshhttp/internal/chansock"
	"github.com/die-net/sshhttp/internal/session"
	internalssh "github.com/die-net/sshhttp/internal/ssh"
	"github.com/die-net/sshhttp/internal/ssh/sshtest"
	"github.com/die-net/sshhttp/internal/testutil"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newAgent(t *testing.T, srv *sshtest.Server, mutate func(*Config)) *Agent {
	t.Helper()

	host, port := srv.HostPort()
	cfg := DefaultConfig()
	cfg.Session = session.Config{
		Host:             host,
		Port:             port,
		Username:         srv.Username,
		PrivateKey:       srv.ClientKeyPEM,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		Logger:           discard,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(cfg, session.WithEnv(session.Env{}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, sock *chansock.Socket) {
	t.Helper()

	select {
	case <-sock.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("socket did not close")
	}
}

func post(t *testing.T, client *http.Client, url, body string) string {
	t.Helper()

	resp, err := client.Post(url, "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(got)
}

func TestHTTPThroughTunnel(t *testing.T) {
	t.Parallel()

	srv := sshtest.StartServer(t, sshtest.Options{})
	web := testutil.StartEchoHTTPServer(t)
	a := newAgent(t, srv, nil)

	tr := &http.Transport{DialContext: a.DialContext}
	defer tr.CloseIdleConnections()
	client := &http.Client{Transport: tr, Timeout: 10 * time.Second}

	t.Run("sequential", func(t *testing.T) {
		for i := range 5 {
			want := fmt.Sprintf("body-%d", i)
			if got := post(t, client, web.URL, want); got != want {
				t.Fatalf("expected %q got %q", want, got)
			}
		}
	})

	t.Run("parallel", func(t *testing.T) {
		var g errgroup.Group
		for i := range 5 {
			g.Go(func() error {
				want := fmt.Sprintf("body-%d", i)
				resp, err := client.Post(web.URL, "text/plain", strings.NewReader(want))
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				got, err := io.ReadAll(resp.Body)
				if err != nil {
					return err
				}
				if string(got) != want {
					return fmt.Errorf("expected %q got %q", want, got)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}
	})

	if n := srv.Handshakes(); n != 1 {
		t.Fatalf("Handshakes = %d, want 1", n)
	}
}

func TestConcurrentConnectionsShareOneSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := sshtest.StartServer(t, sshtest.Options{})
	echo := testutil.StartEchoTCPServer(t, ctx)
	host, port := splitAddr(t, echo.Addr().String())
	a := newAgent(t, srv, nil)

	socks := make([]*chansock.Socket, 5)
	for i := range socks {
		socks[i] = a.CreateConnection(host, port)
	}

	var g errgroup.Group
	for i, sock := range socks {
		g.Go(func() error {
			msg := []byte(fmt.Sprintf("body-%d", i))
			if _, err := sock.Write(msg); err != nil {
				return err
			}
			buf := make([]byte, len(msg))
			if _, err := io.ReadFull(sock, buf); err != nil {
				return err
			}
			if !bytes.Equal(buf, msg) {
				return fmt.Errorf("expected %q got %q", msg, buf)
			}
			return sock.Close()
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if n := srv.Handshakes(); n != 1 {
		t.Fatalf("Handshakes = %d, want 1", n)
	}
	if n := srv.Forwards(); n != 5 {
		t.Fatalf("Forwards = %d, want 5", n)
	}
}

func TestWriteBeforeForwardIsDelivered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := sshtest.StartServer(t, sshtest.Options{})
	echo := testutil.StartEchoTCPServer(t, ctx)
	host, port := splitAddr(t, echo.Addr().String())
	a := newAgent(t, srv, nil)

	sock := a.CreateConnection(host, port)
	// Nothing is attached yet; the write waits in the pending slot.
	testutil.AssertEcho(t, sock, sock, []byte("hello before attach"))
	_ = sock.Close()
	waitDone(t, sock)
}

func TestForwardFailureIsIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := sshtest.StartServer(t, sshtest.Options{})
	echo := testutil.StartEchoTCPServer(t, ctx)
	a := newAgent(t, srv, nil)

	_, err := a.DialContext(ctx, "tcp", testutil.UnusedAddr(t))
	if !errors.Is(err, session.ErrForward) {
		t.Fatalf("expected ErrForward, got %v", err)
	}

	conn, err := a.DialContext(ctx, "tcp", echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, conn, conn, []byte("still alive"))
	_ = conn.Close()

	if n := srv.Handshakes(); n != 1 {
		t.Fatalf("Handshakes = %d, want 1", n)
	}
	waitFor(t, "refs to drain", func() bool { return a.Refs() == 0 })
}

func TestReconnectAfterClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := sshtest.StartServer(t, sshtest.Options{})
	echo := testutil.StartEchoTCPServer(t, ctx)
	a := newAgent(t, srv, nil)

	first, err := a.DialContext(ctx, "tcp", echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, first, first, []byte("one"))

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	// The open connection rode on the closed session.
	if _, err := io.ReadAll(first); err != nil && !errors.Is(err, net.ErrClosed) {
		t.Logf("read after close: %v", err)
	}

	second, err := a.DialContext(ctx, "tcp", echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, second, second, []byte("two"))
	_ = second.Close()

	waitFor(t, "second handshake", func() bool { return srv.Handshakes() == 2 })
}

func TestRefsTrackLiveness(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := sshtest.StartServer(t, sshtest.Options{})
	echo := testutil.StartEchoTCPServer(t, ctx)
	a := newAgent(t, srv, nil)

	conn, err := a.DialContext(ctx, "tcp", echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	sock := conn.(*chansock.Socket)
	s := a.Sessions().Current()
	if s == nil {
		t.Fatal("no current session")
	}

	if a.Refs() != 1 || !s.Active() {
		t.Fatalf("Refs = %d, Active = %v", a.Refs(), s.Active())
	}

	sock.Unref()
	if a.Refs() != 0 || s.Active() {
		t.Fatalf("after Unref: Refs = %d, Active = %v", a.Refs(), s.Active())
	}

	sock.Ref()
	if a.Refs() != 1 || !s.Active() {
		t.Fatalf("after Ref: Refs = %d, Active = %v", a.Refs(), s.Active())
	}

	_ = sock.Close()
	waitFor(t, "refs to drain", func() bool { return a.Refs() == 0 })
	if s.Active() {
		t.Fatal("session still active with no refs")
	}

	// An unrefed socket never counts.
	sock2 := a.CreateConnection(splitAddr(t, echo.Addr().String()))
	sock2.Unref()
	select {
	case <-sock2.Connected():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not established")
	}
	if a.Refs() != 0 {
		t.Fatalf("unrefed socket counted: Refs = %d", a.Refs())
	}
	_ = sock2.Close()
}

func waitConnected(t *testing.T, sock *chansock.Socket) {
	t.Helper()

	select {
	case <-sock.Connected():
	case <-sock.Done():
		t.Fatalf("connection failed: %v", sock.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("connection not established")
	}
}

func TestRefsDropWhenPeerEnds(t *testing.T) {
	t.Parallel()

	srv := sshtest.StartServer(t, sshtest.Options{})
	origin, wait := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		_, _ = io.WriteString(c, "bye")
	})
	defer wait()
	a := newAgent(t, srv, nil)

	sock := a.CreateConnection(splitAddr(t, origin.Addr().String()))
	defer sock.Close()
	waitConnected(t, sock)
	s := a.Sessions().Current()
	if s == nil {
		t.Fatal("no current session")
	}

	// The socket is never read, yet the channel ending releases it.
	waitFor(t, "refs to drop after the channel ended", func() bool { return a.Refs() == 0 })
	if s.Active() {
		t.Fatal("session still active after its only channel ended")
	}

	body, err := io.ReadAll(sock)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "bye" {
		t.Fatalf("got %q", body)
	}
}

func TestRefsDropWhenTransportEnds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := sshtest.StartServer(t, sshtest.Options{})
	echo := testutil.StartEchoTCPServer(t, ctx)
	a := newAgent(t, srv, nil)
	host, port := splitAddr(t, echo.Addr().String())

	stale := a.CreateConnection(host, port)
	defer stale.Close()
	waitConnected(t, stale)
	first := a.Sessions().Current()
	if first == nil {
		t.Fatal("no current session")
	}
	if a.Refs() != 1 || !first.Active() {
		t.Fatalf("Refs = %d, Active = %v", a.Refs(), first.Active())
	}

	srv.DropConnections()
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not notice the dropped transport")
	}

	// stale is never read or closed.
	waitFor(t, "refs to drop after the transport ended", func() bool { return a.Refs() == 0 })

	fresh := a.CreateConnection(host, port)
	waitConnected(t, fresh)
	second := a.Sessions().Current()
	if second == nil || second == first {
		t.Fatalf("expected a new session, got %v", second)
	}
	if a.Refs() != 1 || !second.Active() {
		t.Fatalf("on the new session: Refs = %d, Active = %v", a.Refs(), second.Active())
	}

	_ = fresh.Close()
	waitFor(t, "refs to drain", func() bool { return a.Refs() == 0 })
	if second.Active() {
		t.Fatal("new session still active after its only socket closed")
	}
	if n := srv.Handshakes(); n != 2 {
		t.Fatalf("Handshakes = %d, want 2", n)
	}
}

func TestFingerprintMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := sshtest.StartServer(t, sshtest.Options{})
	echo := testutil.StartEchoTCPServer(t, ctx)
	a := newAgent(t, srv, func(cfg *Config) {
		cfg.Session.Fingerprint = "00:11:22:33:44:55:66:77:88:99:aa:bb:cc:dd:ee:ff"
	})

	_, err := a.DialContext(ctx, "tcp", echo.Addr().String())
	if !errors.Is(err, session.ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
	if n := srv.Forwards(); n != 0 {
		t.Fatalf("Forwards = %d, want 0", n)
	}
	if a.Refs() != 0 {
		t.Fatalf("Refs = %d", a.Refs())
	}
}

func TestConnectTimeout(t *testing.T) {
	t.Parallel()

	t.Run("cold", func(t *testing.T) {
		t.Parallel()

		srv := sshtest.StartServer(t, sshtest.Options{})
		a := newAgent(t, srv, func(cfg *Config) {
			cfg.Timeout = time.Millisecond
			cfg.Session.Verifier = session.VerifierFunc(func(ctx context.Context, _ internalssh.HostKey) error {
				<-ctx.Done()
				return context.Cause(ctx)
			})
		})

		sock := a.CreateConnection("127.0.0.1", 80)
		waitDone(t, sock)
		if !errors.Is(sock.Err(), ErrTimeout) {
			t.Fatalf("Err = %v", sock.Err())
		}
		if a.Sessions().Current() != nil {
			t.Fatal("aborted dial left a session")
		}
	})

	t.Run("warm session, hanging forward", func(t *testing.T) {
		t.Parallel()

		srv := sshtest.StartServer(t, sshtest.Options{Dialer: sshtest.HangingDialer{}})
		a := newAgent(t, srv, func(cfg *Config) {
			cfg.Timeout = 50 * time.Millisecond
		})

		s, err := a.Sessions().Session(context.Background())
		if err != nil {
			t.Fatal(err)
		}

		_, err = a.DialContext(context.Background(), "tcp", "192.0.2.1:80")
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("transport was not torn down")
		}
		waitFor(t, "refs to drain", func() bool { return a.Refs() == 0 })
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()

		srv := sshtest.StartServer(t, sshtest.Options{})
		a := newAgent(t, srv, func(cfg *Config) { cfg.Timeout = 0 })
		echo := testutil.StartEchoTCPServer(t, context.Background())

		conn, err := a.DialContext(context.Background(), "tcp", echo.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		_ = conn.Close()
	})
}

func TestDialContextErrors(t *testing.T) {
	t.Parallel()

	srv := sshtest.StartServer(t, sshtest.Options{})
	a := newAgent(t, srv, nil)
	ctx := context.Background()

	if _, err := a.DialContext(ctx, "udp", "127.0.0.1:53"); err == nil || !strings.Contains(err.Error(), "unsupported network") {
		t.Fatalf("expected unsupported network, got %v", err)
	}
	if _, err := a.DialContext(ctx, "tcp", "no-port"); err == nil {
		t.Fatal("expected address error")
	}
	if _, err := a.DialContext(ctx, "tcp", "example.com:http"); err == nil {
		t.Fatal("expected port error")
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := a.DialContext(canceled, "tcp", "127.0.0.1:80"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
	cfg := DefaultConfig()
	cfg.Session = session.Config{Host: "h", Username: "u"}
	cfg.Timeout = -time.Second
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for negative timeout")
	}
	if DefaultConfig().Timeout != 15*time.Second {
		t.Fatal("unexpected default timeout")
	}
}
