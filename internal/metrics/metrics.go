// Package metrics holds the Prometheus collectors for tunneled connections.
// They register with the default registry, which the debug listener serves on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionDialsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshhttp_session_dials_total", Help: "SSH session dials by result"}, []string{"result"})
	SessionsOpen           = promauto.NewGauge(prometheus.GaugeOpts{Name: "sshhttp_sessions_open", Help: "SSH sessions currently ready"})
	SessionDialSeconds     = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sshhttp_session_dial_seconds", Help: "Time to connect, authenticate and verify a session", Buckets: prometheus.ExponentialBuckets(0.005, 2, 14)})
	KeepAliveFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "sshhttp_keepalive_failures_total", Help: "Sessions closed by a failed keepalive"})
	IdleDropsTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "sshhttp_idle_drops_total", Help: "Sessions closed after idling with no refed sockets"})
	ForwardsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshhttp_forwards_total", Help: "direct-tcpip channel opens by result"}, []string{"result"})
	ConnectTimeoutsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "sshhttp_connect_timeouts_total", Help: "Connections destroyed by the connect watchdog"})
	Refs                   = promauto.NewGauge(prometheus.GaugeOpts{Name: "sshhttp_refs", Help: "Refed sockets keeping sessions active"})
	SocketsOpen            = promauto.NewGauge(prometheus.GaugeOpts{Name: "sshhttp_sockets_open", Help: "Sockets created and not yet closed"})
	SocketBytesTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshhttp_socket_bytes_total", Help: "Bytes moved through closed sockets by direction"}, []string{"direction"})
	ProxyConnectionsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshhttp_proxy_connections_total", Help: "Accepted proxy client connections by listener"}, []string{"listener"})
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)
