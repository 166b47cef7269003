package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/jpillora/sizestr"
)

// HTTPProxyServer serves an HTTP forward proxy.
//
// It supports:
// - HTTP CONNECT tunneling (via connection hijacking + bidirectional copy)
// - non-CONNECT proxying (via httputil.ReverseProxy)
type HTTPProxyServer struct {
	ctx    context.Context
	dialer Dialer
	logger *slog.Logger
	srv    *http.Server
	rp     *httputil.ReverseProxy
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
// Canceling ctx tears down CONNECT tunnels in progress.
//
// Serve starts accepting connections on a listener; Close stops the underlying
// http.Server.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	h := &HTTPProxyServer{
		ctx:    ctx,
		dialer: cfg.Dialer,
		logger: cfg.logger(),
		rp:     newReverseProxy(cfg),
	}
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
	}
	return h
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server.
func (s *HTTPProxyServer) Close() error {
	return s.srv.Close()
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r)
		return
	}
	s.rp.ServeHTTP(w, r)
}

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	ctx := r.Context()

	// Dial before hijacking so failures can use the normal response path.
	serverConn, err := s.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		s.logger.Debug("http proxy: connect failed", "target", target, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = serverConn.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		_ = serverConn.Close()
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	_, _ = brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err := brw.Flush(); err != nil {
		_ = clientConn.Close()
		_ = serverConn.Close()
		return
	}

	// The client may have sent tunnel bytes right behind the request.
	if brw.Reader.Buffered() > 0 {
		clientConn = &bufferedConn{Conn: clientConn, r: brw.Reader}
	}

	sent, received, err := CopyBidirectional(ctx, clientConn, serverConn)
	s.logger.Debug("http proxy: tunnel closed",
		"target", target,
		"sent", sizestr.ToString(sent),
		"received", sizestr.ToString(received),
		"err", err)
}

// bufferedConn reads through r before the underlying connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

func newReverseProxy(cfg Config) *httputil.ReverseProxy {
	logger := cfg.logger()

	rewrite := func(pr *httputil.ProxyRequest) {
		r := pr.Out
		// Forward-proxy handling: ensure URL is absolute and points at the origin server.
		if r.URL == nil {
			return
		}

		// Allow schema override through a non-standard header.
		if s, ok := r.Header["X-Proxy-Scheme"]; ok {
			delete(r.Header, "X-Proxy-Scheme")
			r.URL.Scheme = s[0]
		} else if r.URL.Scheme == "" {
			r.URL.Scheme = "http"
		}

		if r.URL.Host == "" {
			r.URL.Host = pr.In.Host
		}
		r.Host = r.URL.Host
	}

	errHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Debug("http proxy: request failed", "host", r.Host, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	}

	return &httputil.ReverseProxy{
		Rewrite:       rewrite,
		Transport:     NewTransport(cfg),
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  errHandler,
		BufferPool:    NewBufferPool(DefaultBufferSize),
	}
}

// NewTransport returns an http.Transport whose connections are opened by
// cfg.Dialer. Use it directly to make HTTP requests through the tunnel.
func NewTransport(cfg Config) *http.Transport {
	maxIdle := cfg.HTTPMaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	return &http.Transport{
		DialContext:         cfg.Dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}
}
