package ipc

import "errors"

var (
	// ErrPortInUse is returned by New when an explicitly requested port
	// cannot be bound.
	ErrPortInUse = errors.New("ipc: port unavailable")
	// ErrInvalidPort is returned by New for ports outside 0..65535.
	ErrInvalidPort = errors.New("ipc: invalid port")
	// ErrTransport wraps every failure to deliver a message to the partner.
	ErrTransport = errors.New("ipc: transport failure")
	// ErrClosed is returned when an endpoint is used after Close.
	ErrClosed = errors.New("ipc: endpoint closed")
	// ErrNilBody is a receive contract violation: the transport handed the
	// endpoint no body at all.
	ErrNilBody = errors.New("ipc: nil message body")
)
