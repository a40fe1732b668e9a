package prefetch

import (
	"context"
	"time"
)

// Message is a prefetch request as received from the broker, together with
// its acknowledgment handles.
type Message struct {
	ID          string
	Payload     []byte
	Attributes  map[string]string
	PublishTime time.Time

	// Ack removes the message from the subscription for good.
	Ack func()
	// Nack asks the broker to redeliver the message.
	Nack func()
}

// MessageConsumer is a source of prefetch messages.
type MessageConsumer interface {
	// Messages returns the channel workers receive from. It is closed once the
	// consumer has stopped.
	Messages() <-chan Message
	Start(ctx context.Context) error
	// Stop ceases consumption and waits for the receive loop to exit.
	Stop(ctx context.Context) error
	// Done is closed when the consumer has completely shut down.
	Done() <-chan struct{}
}
