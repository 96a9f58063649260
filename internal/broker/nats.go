package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSTransport fans envelopes out over core NATS subjects. Core NATS has no
// persistence, which matches the hint-only contract of the broker.
type NATSTransport struct {
	nc     *nats.Conn
	buffer int
}

func NewNATSTransport(url, name string, logger *zap.Logger) (*NATSTransport, error) {
	if url == "" {
		return nil, errors.New("nats url missing")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNATSTransportWithConn(nc), nil
}

func NewNATSTransportWithConn(nc *nats.Conn) *NATSTransport {
	return &NATSTransport{nc: nc, buffer: 64}
}

func (t *NATSTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.nc.Publish(topic, payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (t *NATSTransport) Subscribe(_ context.Context, topic string) (TransportSubscription, error) {
	sub := &natsSubscription{out: make(chan []byte, t.buffer)}
	natsSub, err := t.nc.Subscribe(topic, sub.deliver)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	// Flush so the server has registered interest before we return.
	if err := t.nc.FlushTimeout(2 * time.Second); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	sub.sub = natsSub
	return sub, nil
}

// Close flushes pending publishes when connected, then closes the
// connection.
func (t *NATSTransport) Close() error {
	if t.nc.IsClosed() {
		return nil
	}
	var err error
	if t.nc.IsConnected() {
		if err = t.nc.FlushTimeout(time.Second); err != nil {
			err = fmt.Errorf("nats flush: %w", err)
		}
	}
	t.nc.Close()
	return err
}

type natsSubscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
	out    chan []byte
}

// deliver never blocks the NATS dispatcher. A full buffer already holds a
// pending hint for this topic.
func (s *natsSubscription) deliver(msg *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg.Data:
	default:
	}
}

func (s *natsSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *natsSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	return s.sub.Unsubscribe()
}
