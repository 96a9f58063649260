package broker

import "context"

// Transport moves encoded envelopes between processes. Delivery is best
// effort: a transport may drop messages, and subscribers only ever treat them
// as hints.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (TransportSubscription, error)
	Close() error
}

// TransportSubscription delivers payloads published on one topic. Messages is
// closed when the subscription ends, either through Close or because the
// transport lost it.
type TransportSubscription interface {
	Messages() <-chan []byte
	Close() error
}
