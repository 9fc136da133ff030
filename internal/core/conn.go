package core

// Conn is the transport attachment of a handler. The websocket layer
// implements it with a buffered outbound channel and one writer
// goroutine; tests inject an in-memory mock.
type Conn interface {
	// ID is a unique connection identifier.
	ID() string
	// RemoteIP is the peer's forwarded-for address, falling back to the
	// socket address.
	RemoteIP() string
	// Send queues one event frame. It must not block; a send to a dead
	// or saturated connection returns false.
	Send(event string, payload any) bool
	// Kill closes the transport with a reason. Idempotent.
	Kill(reason string, kicked bool)
}
