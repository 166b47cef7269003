package agent

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/die-net/sshhttp/internal/session"
)

// DefaultUser is the login used when a target names none.
const DefaultUser = "root"

// Target is an SSH server named as "[user@]host[:port]".
type Target struct {
	User string
	Host string
	Port int
}

// ParseTarget parses "[user@]host[:port]". The user defaults to DefaultUser
// and the port to 22. IPv6 hosts with a port must be bracketed.
func ParseTarget(s string) (Target, error) {
	t := Target{User: DefaultUser, Port: session.DefaultPort}

	rest := s
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		if i == 0 {
			return Target{}, fmt.Errorf("target %q: empty user", s)
		}
		t.User = rest[:i]
		rest = rest[i+1:]
	}

	host := rest
	if h, p, err := net.SplitHostPort(rest); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, fmt.Errorf("target %q: invalid port %q", s, p)
		}
		host, t.Port = h, port
	} else if strings.HasPrefix(rest, "[") && strings.HasSuffix(rest, "]") {
		host = rest[1 : len(rest)-1]
	} else if strings.Count(rest, ":") == 1 {
		return Target{}, fmt.Errorf("target %q: %w", s, err)
	}

	if host == "" {
		return Target{}, fmt.Errorf("target %q: empty host", s)
	}
	t.Host = host
	return t, nil
}

// String formats t as "user@host:port".
func (t Target) String() string {
	return t.User + "@" + net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Apply copies t into the connection fields of cfg.
func (t Target) Apply(cfg *session.Config) {
	cfg.Username = t.User
	cfg.Host = t.Host
	cfg.Port = t.Port
}
