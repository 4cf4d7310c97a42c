package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelCredentialUnavailable means no channel token could be
	// obtained. It is a soft failure: the channel stays disconnected until
	// the next identity transition.
	ErrChannelCredentialUnavailable = errors.New("realtime: channel credential unavailable")

	// ErrServerClosed is returned by Conn.Recv when the server ended the
	// connection on purpose.
	ErrServerClosed = errors.New("realtime: server closed connection")

	// ErrUnauthorized is returned by a handshake the server rejected for
	// its credential.
	ErrUnauthorized = errors.New("realtime: handshake unauthorized")

	ErrHandshake   = errors.New("realtime: handshake failed")
	ErrNoTransport = errors.New("realtime: no transport configured")
	ErrConnClosed  = errors.New("realtime: connection closed")
)

// DialError records which transport failed.
type DialError struct {
	Transport string
	Err       error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("realtime: dial %s: %v", e.Transport, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }
