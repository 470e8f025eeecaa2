package toolserver

import "context"

// Transport moves JSON-RPC messages to and from one server process or
// endpoint. Implementations are safe for concurrent use.
//
// A transport that observes a protocol violation (malformed frame, response
// with an unknown id) reports it once via the violation handler and then
// shuts down; every in-flight and subsequent Send fails.
type Transport interface {
	// Send writes a request and blocks until its response arrives, the
	// context ends, or the transport dies.
	Send(ctx context.Context, req *Request) (*Response, error)

	// SendNotification writes a request that expects no response.
	SendNotification(req *Request) error

	// OnNotification installs the handler for server-initiated
	// notifications. Must be called before traffic starts.
	OnNotification(fn func(*Request))

	// OnViolation installs the handler invoked once when the peer breaks
	// protocol. Must be called before traffic starts.
	OnViolation(fn func(error))

	// Close tears the transport down. Safe to call more than once.
	Close() error
}
