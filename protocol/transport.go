package protocol

import "context"

// Conn is a single worker connection: a bidirectional stream of
// Message envelopes. Transport is specified as transport-dependent
// (§6); wsstream.Conn is the default implementation.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Transport accepts new worker connections. The server side ranges over
// Accept to discover newly registered workers.
type Transport interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}
