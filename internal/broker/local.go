package broker

import (
	"context"
	"errors"
	"sync"
)

var errTransportClosed = errors.New("transport closed")

// LocalTransport delivers within the process. It serves single-node
// deployments and tests.
type LocalTransport struct {
	mu     sync.Mutex
	closed bool
	topics map[string]map[*localSubscription]struct{}
	buffer int
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		topics: map[string]map[*localSubscription]struct{}{},
		buffer: 64,
	}
}

func (t *LocalTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	for sub := range t.topics[topic] {
		select {
		case sub.out <- payload:
		default:
		}
	}
	return nil
}

func (t *LocalTransport) Subscribe(_ context.Context, topic string) (TransportSubscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errTransportClosed
	}
	sub := &localSubscription{transport: t, topic: topic, out: make(chan []byte, t.buffer)}
	subs, ok := t.topics[topic]
	if !ok {
		subs = map[*localSubscription]struct{}{}
		t.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

// Close ends every open subscription.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for topic, subs := range t.topics {
		for sub := range subs {
			close(sub.out)
		}
		delete(t.topics, topic)
	}
	return nil
}

type localSubscription struct {
	transport *LocalTransport
	topic     string
	out       chan []byte
}

func (s *localSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *localSubscription) Close() error {
	t := s.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	subs, ok := t.topics[s.topic]
	if !ok {
		return nil
	}
	if _, ok := subs[s]; !ok {
		return nil
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(t.topics, s.topic)
	}
	close(s.out)
	return nil
}
