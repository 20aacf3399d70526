package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a broker after Close.
var ErrClosed = errors.New("broker closed")

// Subscription is a live feed of payloads published to one channel from the
// moment of subscription onward. Close stops delivery, closes C and frees the
// transport-side resources; it is safe to call more than once.
type Subscription interface {
	Channel() string
	C() <-chan []byte
	Close() error
}

// MessageBroker is the shared publish/subscribe transport between gateway
// instances and the services that emit events. Payloads are opaque.
type MessageBroker interface {
	// Publish is fire-and-forget: success means the transport accepted the
	// payload for fan-out, not that anyone received it.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns once the transport delivers payloads for channel.
	// Every subscription receives its own copy of each payload.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error

	Close() error
}
