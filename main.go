package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/sshhttp/internal/agent"
	"github.com/die-net/sshhttp/internal/proxy"
	"github.com/die-net/sshhttp/internal/session"
	"github.com/die-net/sshhttp/internal/ssh"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	env, err := session.LoadEnv()
	if err != nil {
		return err
	}

	var (
		httpListen  = pflag.String("http-listen", "", "HTTP proxy listen address (e.g. 127.0.0.1:8080). Empty disables.")
		socksListen = pflag.String("socks5-listen", "", "SOCKS5 proxy listen address (e.g. 127.0.0.1:1080). Empty disables.")
		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")

		user        = pflag.String("user", "", "SSH username, overriding any user@ in the target")
		keyPath     = pflag.String("key", "", "Path to SSH private key. Empty tries ~/.ssh/id_rsa if it exists.")
		passphrase  = pflag.String("passphrase", "", "Passphrase for an encrypted private key")
		password    = pflag.String("password", "", "SSH password. Empty disables password authentication.")
		fingerprint = pflag.String("fingerprint", "", "Expected host key fingerprint (SHA256:... or MD5 hex)")
		knownHosts  = pflag.String("known-hosts", defaultKnownHostsPath(env), "known_hosts file for trust-on-first-use host key verification, or empty to accept any key")
		useAgent    = pflag.Bool("agent", env.AuthSock != "", "Offer keys from the SSH agent at $SSH_AUTH_SOCK")

		timeout            = pflag.Duration("timeout", agent.DefaultTimeout, "Timeout for establishing the SSH session plus opening each forwarded channel. 0 disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for the TCP connect to the SSH server")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for the SSH handshake and proxy protocol negotiation")
		keepAlive          = pflag.Duration("keepalive", 30*time.Second, "Interval between SSH keepalives while connections are open. 0 disables.")
		idleTimeout        = pflag.Duration("idle-timeout", 0, "Close the SSH session after it has had no connections this long. 0 keeps it open.")
		highWaterMark      = pflag.Int("high-water-mark", 0, "Bytes buffered per connection before reading from the channel pauses. 0 uses the default.")
		httpIdleTimeout    = pflag.Duration("http-idle-timeout", 4*time.Minute, "Timeout for idle HTTP proxy connections")
		httpMaxIdleConns   = pflag.Int("http-max-idle-conns", 100, "Maximum number of idle HTTP proxy connections")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose            = pflag.Bool("verbose", false, "Enable per-connection debug logging")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [user@]host[:port]\n", filepath.Base(os.Args[0]))
		pflag.PrintDefaults()
	}
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		return errors.New("expected exactly one SSH target")
	}
	target, err := agent.ParseTarget(pflag.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	if *user != "" {
		target.User = *user
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *httpListen == "" && *socksListen == "" {
		return errors.New("no listeners enabled (set at least one of --http-listen, --socks5-listen)")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	sessCfg := session.Config{
		Password:         *password,
		KeyPath:          *keyPath,
		Passphrase:       *passphrase,
		Fingerprint:      *fingerprint,
		KeepAlive:        *keepAlive,
		IdleTimeout:      *idleTimeout,
		DialTimeout:      *dialTimeout,
		HandshakeTimeout: *negotiationTimeout,
		Logger:           logger,
	}
	target.Apply(&sessCfg)

	if *useAgent {
		if env.AuthSock == "" {
			return errors.New("--agent: SSH_AUTH_SOCK is not set")
		}
		sessCfg.AgentSocket = env.AuthSock
	}

	if *knownHosts != "" && *fingerprint == "" {
		kh, err := ssh.NewKnownHosts(*knownHosts, logger)
		if err != nil {
			return fmt.Errorf("known hosts: %w", err)
		}
		sessCfg.Verifier = kh
	}

	a, err := agent.New(agent.Config{
		Session:       sessCfg,
		Timeout:       *timeout,
		HighWaterMark: *highWaterMark,
	}, session.WithEnv(env))
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		HTTPIdleTimeout:    *httpIdleTimeout,
		HTTPMaxIdleConns:   *httpMaxIdleConns,
		KeepAlive:          ka,
		Dialer:             a,
		Logger:             logger,
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/", http.DefaultServeMux)
		mux.Handle("/metrics", promhttp.Handler())
		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", *debugListen)
	}

	if *httpListen != "" {
		ln, err := proxy.ListenTCP(ctx, "http", *httpListen, cfg.KeepAlive)
		if err != nil {
			return err
		}
		srv := proxy.NewHTTPProxyServer(ctx, cfg)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("http proxy serve: %w", err)
			}
			return nil
		})
		log.Printf("http proxy listening on %s", *httpListen)
	}

	if *socksListen != "" {
		ln, err := proxy.ListenTCP(ctx, "socks5", *socksListen, cfg.KeepAlive)
		if err != nil {
			return err
		}
		s5 := proxy.NewSOCKS5Server(ctx, cfg)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ln); err != nil && ctx.Err() == nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})

		log.Printf("socks5 proxy listening on %s", *socksListen)
	}

	log.Printf("tunneling through %s", target)

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Print("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultKnownHostsPath(env session.Env) string {
	home := env.Home
	if home == "" {
		home = env.UserProfile
	}
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
