package proxy

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Dialer opens outbound connections for the proxy listeners. *agent.Agent
// satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	// NegotiationTimeout bounds reading request headers and the SOCKS5
	// handshake, and TLS handshakes made by the HTTP transport.
	NegotiationTimeout time.Duration

	HTTPIdleTimeout  time.Duration
	HTTPMaxIdleConns int

	KeepAlive net.KeepAliveConfig

	Dialer Dialer

	// Logger receives per-connection errors at debug level. Nil uses
	// slog.Default().
	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
