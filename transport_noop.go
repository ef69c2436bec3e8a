package chatcore

import (
	"context"
)

type noopTransport struct{}

func (noopTransport) Open(context.Context) error { return nil }

func (noopTransport) Write([]byte) error { return nil }

func (noopTransport) Close() {}

func (noopTransport) CloseErr() error { return nil }

func (noopTransport) CloseChan() CloseChan { return nil }

// NewNoopTransportFactory returns a factory producing transports that accept
// everything and deliver nothing. Useful for hosts embedding the core without
// a live socket.
func NewNoopTransportFactory() TransportFactory {
	return func(context.Context, string, chan<- []byte) Transport {
		return noopTransport{}
	}
}
