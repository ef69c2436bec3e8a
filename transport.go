package chatcore

import (
	"context"
)

type (
	// CloseChan signals transport closure when closed.
	CloseChan chan struct{}

	// Transport is the raw bidirectional pipe a session runs over. It is
	// exclusively owned by the ConnectionManager; other components reach the
	// wire only through injected send functions.
	Transport interface {
		// Open establishes the connection. It honors ctx cancellation and
		// deadlines.
		Open(ctx context.Context) error

		// Write sends a raw payload over the wire.
		Write(data []byte) error

		// Close terminates the connection and releases its resources.
		Close()

		// CloseErr returns the reason the transport closed. A graceful local
		// close yields ErrTerminated.
		CloseErr() error

		// CloseChan returns a channel closed when the transport shuts down.
		CloseChan() CloseChan
	}

	// TransportFactory builds a transport for one connection attempt. Inbound
	// payloads are delivered on recv in arrival order.
	TransportFactory func(ctx context.Context, endpoint string, recv chan<- []byte) Transport
)
