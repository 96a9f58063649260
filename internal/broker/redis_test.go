package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle/api/internal/envelope"
)

func setupTestRedis(t *testing.T) (*RedisTransport, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	transport, err := NewRedisTransport("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis transport: %v", err)
	}
	t.Cleanup(func() { _ = transport.Close() })
	return transport, s
}

func TestNewRedisTransport(t *testing.T) {
	transport, _ := setupTestRedis(t)
	if err := transport.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	if _, err := NewRedisTransport("not-a-url"); err == nil {
		t.Error("expected an error for an invalid url")
	}
}

func TestRedisTransportRoundTrip(t *testing.T) {
	transport, _ := setupTestRedis(t)
	ctx := context.Background()
	topic := envelope.Topic("alice_bob", envelope.ChannelTrivia)

	sub, err := transport.Subscribe(ctx, topic)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, transport.Publish(ctx, topic, []byte(`{"seq":1}`)))
	require.NoError(t, transport.Publish(ctx, envelope.Topic("carol_dave", envelope.ChannelTrivia), []byte(`{"seq":9}`)))

	select {
	case payload := <-sub.Messages():
		assert.JSONEq(t, `{"seq":1}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redis message")
	}

	select {
	case payload := <-sub.Messages():
		t.Fatalf("received a message for another pair: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerOverRedis(t *testing.T) {
	transport, _ := setupTestRedis(t)
	b := startBroker(t, transport, Options{})

	alice, err := b.Subscribe(context.Background(), "alice_bob", envelope.ChannelQuestion)
	require.NoError(t, err)
	defer alice.Close()
	assert.True(t, receive(t, alice).IsSnapshot())

	b.Publish(envelope.Envelope{
		ID:           "e1",
		PairKey:      "alice_bob",
		Channel:      envelope.ChannelQuestion,
		Kind:         "answered",
		OriginatorID: "bob",
		Seq:          4,
		Hint:         map[string]any{"phase": "one_responded"},
	})

	got := receive(t, alice)
	assert.Equal(t, int64(4), got.Seq)
	assert.Equal(t, "bob", got.OriginatorID)
	assert.Equal(t, "one_responded", got.Hint["phase"])
	require.Eventually(t, func() bool { return b.Stats().Published == 1 }, time.Second, 5*time.Millisecond)
}

func TestRedisOutageDoesNotAffectPublishers(t *testing.T) {
	transport, s := setupTestRedis(t)
	b := startBroker(t, transport, Options{PublishTimeout: 200 * time.Millisecond})

	s.Close()

	start := time.Now()
	b.Publish(envelope.Envelope{PairKey: "alice_bob", Channel: envelope.ChannelKiss, Seq: 1})
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	require.Eventually(t, func() bool { return b.Stats().Dropped == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestRedisOutageClosesSubscriptions(t *testing.T) {
	transport, s := setupTestRedis(t)
	b := startBroker(t, transport, Options{
		PublishTimeout:    50 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
	})

	sub, err := b.Subscribe(context.Background(), "alice_bob", envelope.ChannelKiss)
	require.NoError(t, err)
	defer sub.Close()
	assert.True(t, receive(t, sub).IsSnapshot())
	for !receive(t, sub).IsHeartbeat() {
	}

	s.Close()
	b.Publish(envelope.Envelope{PairKey: "alice_bob", Channel: envelope.ChannelKiss, Seq: 1})

	closed := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-sub.Events():
		case <-closed:
			t.Fatal("subscription stayed open through a redis outage")
		}
	}
	require.Eventually(t, func() bool { return b.Stats().Dropped == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), b.Stats().Expired)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = b.Subscribe(ctx, "alice_bob", envelope.ChannelKiss)
	assert.True(t, errors.Is(err, ErrBroadcastUnavailable), "resubscribing while redis is down: %v", err)
}
