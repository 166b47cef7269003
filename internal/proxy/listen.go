package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/sshhttp/internal/metrics"
)

// ListenTCP listens on addr and returns a listener that applies
// keepAliveConfig to accepted TCP connections and counts them under name in
// the proxy connection metric.
func ListenTCP(ctx context.Context, name, addr string, keepAliveConfig net.KeepAliveConfig) (*KeepAliveListener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s listen %s: %w", name, addr, err)
	}

	return &KeepAliveListener{Listener: ln, Name: name, KeepAliveConfig: keepAliveConfig}, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig

	// Name labels accepted connections in metrics. Empty skips counting.
	Name string
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}
	if l.Name != "" {
		metrics.ProxyConnectionsTotal.WithLabelValues(l.Name).Inc()
	}

	return conn, nil
}
