package backend

import "errors"

var (
	// ErrServerNotFound means the requested name has no configured backend.
	// No connection attempt is made for unknown names.
	ErrServerNotFound = errors.New("backend: unknown server")
	// ErrUnreachable means the backend transport could not be opened, or died
	// between lookup and send.
	ErrUnreachable = errors.New("backend: unreachable")
	// ErrHandshakeFailed means the backend rejected initialize or did not
	// answer within the handshake window.
	ErrHandshakeFailed = errors.New("backend: handshake failed")
	// ErrUnavailable means the shared connection died while calls were in
	// flight; every waiter receives it.
	ErrUnavailable = errors.New("backend: connection lost")
)
