// Package broker fans committed envelopes out to subscribers. It never
// stores anything: the store is the authority, and an envelope lost here is
// recovered by the subscriber's polling fallback.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"candle/api/internal/envelope"
)

// ErrBroadcastUnavailable is recorded when an envelope could not be handed to
// the transport. It is logged and counted, never returned to a writer.
// Subscribe returns it when the transport refuses a subscription.
var ErrBroadcastUnavailable = errors.New("broadcast unavailable")

var ErrUnknownChannel = errors.New("unknown channel")

type Options struct {
	// QueueSize bounds envelopes waiting to be published.
	QueueSize int
	// PublishTimeout bounds a single transport publish.
	PublishTimeout time.Duration
	// SubscriberBuffer bounds undelivered envelopes per subscriber.
	SubscriberBuffer int
	// HeartbeatInterval is how often a heartbeat is sent through the
	// transport on every topic with local subscribers.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout ends a topic's subscriptions when nothing, heartbeats
	// included, arrived from the transport for that long.
	HeartbeatTimeout time.Duration
}

type Stats struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Coalesced   int64 `json:"coalesced"`
	Expired     int64 `json:"expired"`
	Topics      int   `json:"topics"`
	Subscribers int   `json:"subscribers"`
}

type Broker struct {
	transport        Transport
	logger           *zap.Logger
	queue            chan envelope.Envelope
	publishTimeout   time.Duration
	subscriberBuffer int
	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
	now              func() time.Time

	mu     sync.Mutex
	topics map[string]*fanout

	published atomic.Int64
	dropped   atomic.Int64
	coalesced atomic.Int64
	expired   atomic.Int64
}

func New(transport Transport, logger *zap.Logger, opts Options) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 8
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	return &Broker{
		transport:        transport,
		logger:           logger.Named("broker"),
		queue:            make(chan envelope.Envelope, opts.QueueSize),
		publishTimeout:   opts.PublishTimeout,
		subscriberBuffer: opts.SubscriberBuffer,
		heartbeatEvery:   opts.HeartbeatInterval,
		heartbeatTimeout: opts.HeartbeatTimeout,
		now:              func() time.Time { return time.Now().UTC() },
		topics:           map[string]*fanout{},
	}
}

// Publish enqueues env for broadcast and returns immediately. The write that
// produced env has already committed, so a full queue drops the envelope
// rather than delaying or failing the writer.
func (b *Broker) Publish(env envelope.Envelope) {
	if env.PairKey == "" || env.Channel == "" {
		return
	}
	select {
	case b.queue <- env:
	default:
		b.drop(env, fmt.Errorf("%w: publish queue full", ErrBroadcastUnavailable))
	}
}

// Run publishes queued envelopes and topic heartbeats until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.heartbeats(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.queue:
			b.send(ctx, env)
		}
	}
}

// heartbeats proves each active topic's transport path end to end. A topic
// that hears nothing back within the timeout is expired, which closes its
// subscribers so they fall back to polling.
func (b *Broker) heartbeats(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := b.now()
		b.mu.Lock()
		active := make([]*fanout, 0, len(b.topics))
		for _, f := range b.topics {
			active = append(active, f)
		}
		b.mu.Unlock()

		for _, f := range active {
			if now.Sub(f.lastHeard()) > b.heartbeatTimeout {
				b.expire(f)
				continue
			}
			b.beat(ctx, f, now)
		}
	}
}

func (b *Broker) beat(ctx context.Context, f *fanout, now time.Time) {
	payload, err := envelope.Encode(envelope.Heartbeat(f.pairKey, f.channel, now))
	if err != nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	if err := b.transport.Publish(publishCtx, f.topic, payload); err != nil {
		b.logger.Debug("heartbeat failed", zap.String("topic", f.topic), zap.Error(err))
	}
}

// expire ends a topic whose transport went quiet.
func (b *Broker) expire(f *fanout) {
	b.mu.Lock()
	if b.topics[f.topic] != f {
		b.mu.Unlock()
		return
	}
	delete(b.topics, f.topic)
	for sub := range f.subscribers {
		close(sub.events)
		delete(f.subscribers, sub)
	}
	b.mu.Unlock()

	b.expired.Add(1)
	b.logger.Warn("transport silent, closing subscribers",
		zap.String("topic", f.topic),
		zap.Duration("timeout", b.heartbeatTimeout),
	)
	if err := f.transport.Close(); err != nil {
		b.logger.Warn("close transport subscription", zap.String("topic", f.topic), zap.Error(err))
	}
}

func (b *Broker) send(ctx context.Context, env envelope.Envelope) {
	payload, err := envelope.Encode(env)
	if err != nil {
		b.drop(env, fmt.Errorf("encode envelope: %w", err))
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()
	if err := b.transport.Publish(publishCtx, envelope.Topic(env.PairKey, env.Channel), payload); err != nil {
		b.drop(env, fmt.Errorf("%w: %w", ErrBroadcastUnavailable, err))
		return
	}
	b.published.Add(1)
}

func (b *Broker) drop(env envelope.Envelope, err error) {
	b.dropped.Add(1)
	b.logger.Warn("envelope dropped",
		zap.String("pair_key", env.PairKey),
		zap.String("channel", env.Channel),
		zap.Int64("seq", env.Seq),
		zap.Error(err),
	)
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	topics := len(b.topics)
	subscribers := 0
	for _, f := range b.topics {
		subscribers += len(f.subscribers)
	}
	b.mu.Unlock()
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Coalesced:   b.coalesced.Load(),
		Expired:     b.expired.Load(),
		Topics:      topics,
		Subscribers: subscribers,
	}
}

// Subscription is one subscriber's view of a pair channel. The first envelope
// is always a snapshot; after that, envelopes arrive as they are broadcast.
// Events is closed when the subscription ends, including when the underlying
// transport subscription is lost.
type Subscription struct {
	broker  *Broker
	topic   string
	events  chan envelope.Envelope
	once    sync.Once
	stopCtx func() bool
}

func (s *Subscription) Events() <-chan envelope.Envelope {
	return s.events
}

// Close is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.stopCtx != nil {
			s.stopCtx()
		}
		s.broker.unsubscribe(s)
	})
}

type fanout struct {
	topic       string
	pairKey     string
	channel     string
	transport   TransportSubscription
	subscribers map[*Subscription]struct{}
	heard       atomic.Int64
}

func (f *fanout) touch(at time.Time) {
	f.heard.Store(at.UnixNano())
}

func (f *fanout) lastHeard() time.Time {
	return time.Unix(0, f.heard.Load())
}

// Subscribe opens a subscription on a pair channel. It ends when ctx is done
// or Close is called. Local subscribers on the same topic share one transport
// subscription.
func (b *Broker) Subscribe(ctx context.Context, pairKey, channel string) (*Subscription, error) {
	if !envelope.KnownChannel(channel) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	topic := envelope.Topic(pairKey, channel)
	sub := &Subscription{
		broker: b,
		topic:  topic,
		events: make(chan envelope.Envelope, b.subscriberBuffer),
	}
	sub.events <- envelope.Snapshot(pairKey, channel, b.now())

	if !b.join(topic, sub) {
		// Transport I/O stays outside b.mu.
		ts, err := b.transport.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("%w: subscribe %s: %w", ErrBroadcastUnavailable, topic, err)
		}
		if !b.attach(topic, pairKey, channel, ts, sub) {
			if err := ts.Close(); err != nil {
				b.logger.Warn("close transport subscription", zap.String("topic", topic), zap.Error(err))
			}
		}
	}

	sub.stopCtx = context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// join adds sub to an existing fanout on topic.
func (b *Broker) join(topic string, sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.topics[topic]
	if !ok {
		return false
	}
	f.subscribers[sub] = struct{}{}
	return true
}

// attach registers a new fanout for ts, or joins the one another subscriber
// registered first. It reports whether ts was kept.
func (b *Broker) attach(topic, pairKey, channel string, ts TransportSubscription, sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.topics[topic]; ok {
		f.subscribers[sub] = struct{}{}
		return false
	}
	f := &fanout{
		topic:       topic,
		pairKey:     pairKey,
		channel:     channel,
		transport:   ts,
		subscribers: map[*Subscription]struct{}{sub: {}},
	}
	f.touch(b.now())
	b.topics[topic] = f
	go b.pump(f)
	return true
}

func (b *Broker) pump(f *fanout) {
	for payload := range f.transport.Messages() {
		env, err := envelope.Decode(payload)
		if err != nil {
			b.logger.Warn("undecodable envelope", zap.String("topic", f.topic), zap.Error(err))
			continue
		}
		f.touch(b.now())
		env.Hint = envelope.TrimHint(env.Hint)
		b.dispatch(f, env)
	}

	// The transport subscription ended. If it was not torn down by the last
	// subscriber leaving, close everyone so they resubscribe.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[f.topic] != f {
		return
	}
	delete(b.topics, f.topic)
	for sub := range f.subscribers {
		close(sub.events)
		delete(f.subscribers, sub)
	}
	b.logger.Warn("transport subscription lost", zap.String("topic", f.topic))
}

func (b *Broker) dispatch(f *fanout, env envelope.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range f.subscribers {
		select {
		case sub.events <- env:
		default:
			// The subscriber already has an unread hint that will make it
			// re-fetch.
			b.coalesced.Add(1)
		}
	}
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	f, ok := b.topics[sub.topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, ok := f.subscribers[sub]; !ok {
		b.mu.Unlock()
		return
	}
	delete(f.subscribers, sub)
	close(sub.events)
	if len(f.subscribers) > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.topics, sub.topic)
	b.mu.Unlock()

	if err := f.transport.Close(); err != nil {
		b.logger.Warn("close transport subscription", zap.String("topic", sub.topic), zap.Error(err))
	}
}
