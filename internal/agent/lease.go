package agent

import (
	"github.com/die-net/sshhttp/internal/chansock"
	"github.com/die-net/sshhttp/internal/metrics"
	"github.com/die-net/sshhttp/internal/session"
)

// lease ties one socket to the session it was forwarded on and to the agent's
// reference counts. A session is active while any refed socket forwarded on
// it holds a lease; sockets on other sessions don't count toward it.
type lease struct {
	a    *Agent
	s    *session.Session
	sock *chansock.Socket

	// Guarded by a.mu.
	counted  bool
	released bool
}

// lease counts sock while it is refed and keeps the count in step with later
// Ref and Unref calls.
func (a *Agent) lease(sock *chansock.Socket, s *session.Session) *lease {
	l := &lease{a: a, s: s, sock: sock}
	sock.SetRefHooks(l.sync, l.sync)
	l.sync()
	return l
}

// sync reconciles the count with the socket's current ref state. Hooks from
// concurrent Ref and Unref calls may arrive in any order; reading the state
// under a.mu makes the last one win.
func (l *lease) sync() {
	l.a.mu.Lock()
	defer l.a.mu.Unlock()

	if l.released {
		return
	}
	l.setCountedLocked(l.sock.Refed())
}

// release drops the socket from the count for good. It runs when the channel
// ends, when the socket closes, or when the session goes away, and is safe to
// call more than once.
func (l *lease) release() {
	l.a.mu.Lock()
	defer l.a.mu.Unlock()

	if l.released {
		return
	}
	l.setCountedLocked(false)
	l.released = true
}

func (l *lease) setCountedLocked(counted bool) {
	if l.counted == counted {
		return
	}
	l.counted = counted
	if counted {
		l.a.refs++
		l.a.sessionRefs[l.s]++
		metrics.Refs.Inc()
	} else {
		l.a.refs--
		l.a.sessionRefs[l.s]--
		metrics.Refs.Dec()
	}

	n := l.a.sessionRefs[l.s]
	if n == 0 {
		delete(l.a.sessionRefs, l.s)
	}
	l.s.SetActive(n > 0)
}
