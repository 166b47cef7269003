package session

import "errors"

// Error kinds. Errors returned by this package wrap one of these together
// with the underlying cause, so callers can match both with errors.Is or
// errors.As.
var (
	// ErrAuth means key material could not be loaded or the server refused
	// every offered authentication method.
	ErrAuth = errors.New("ssh authentication failed")

	// ErrVerification means the server's host key was rejected.
	ErrVerification = errors.New("ssh host verification failed")

	// ErrForward means a direct-tcpip channel could not be opened.
	ErrForward = errors.New("ssh forward failed")

	// ErrTransportClosed means the session's transport went away underneath it.
	ErrTransportClosed = errors.New("ssh transport closed")

	// ErrClosed means the session was closed locally.
	ErrClosed = errors.New("ssh session closed")

	// ErrIdle means the session was dropped after idling with nothing using it.
	ErrIdle = errors.New("ssh session idle")
)
