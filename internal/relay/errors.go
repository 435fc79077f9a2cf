package relay

import "errors"

var (
	// ErrMalformedMessage is returned when an inbound frame is not a valid envelope.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrDuplicateConnection is returned when a connection ID is registered twice.
	ErrDuplicateConnection = errors.New("duplicate connection id")

	// ErrSendBufferFull is returned by a Sender whose outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrConnectionClosed is returned by a Sender after it has been closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRelayStopped is returned for operations submitted after Stop.
	ErrRelayStopped = errors.New("relay stopped")
)
