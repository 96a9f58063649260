package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"candle/api/internal/broker"
	"candle/api/internal/config"
	"candle/api/internal/envelope"
	"candle/api/internal/store"
)

const testSecret = "test-secret"

var (
	alice = Session{ParticipantID: "alice", Name: "Alice"}
	bob   = Session{ParticipantID: "bob", Name: "Bob"}
	carol = Session{ParticipantID: "carol", Name: "Carol"}
)

// recordingBroker remembers every published envelope. Subscribe goes to the
// wrapped broker when there is one.
type recordingBroker struct {
	mu        sync.Mutex
	published []envelope.Envelope
	next      *broker.Broker
}

func (b *recordingBroker) Publish(env envelope.Envelope) {
	b.mu.Lock()
	b.published = append(b.published, env)
	b.mu.Unlock()
	if b.next != nil {
		b.next.Publish(env)
	}
}

func (b *recordingBroker) Subscribe(ctx context.Context, pairKey, channel string) (*broker.Subscription, error) {
	if b.next == nil {
		return nil, errors.New("no broker")
	}
	return b.next.Subscribe(ctx, pairKey, channel)
}

func (b *recordingBroker) kinds(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var kinds []string
	for _, env := range b.published {
		if env.Channel == channel {
			kinds = append(kinds, env.Kind)
		}
	}
	return kinds
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	svc    *Service
	store  *store.MemoryStore
	broker *recordingBroker
	clock  *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	memory := store.NewMemoryStore().WithClock(clock.Now)
	rec := &recordingBroker{}
	cfg := config.Config{JWTSecret: testSecret, PairingCodeTTL: 24 * time.Hour}
	svc := New(cfg, memory, rec, nil).WithClock(clock.Now)
	return &testEnv{svc: svc, store: memory, broker: rec, clock: clock}
}

// pair connects alice and bob through the pairing flow.
func (e *testEnv) pair(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	code, err := e.svc.CreatePairingCode(ctx, alice)
	if err != nil {
		t.Fatalf("CreatePairingCode() error = %v", err)
	}
	if _, err := e.svc.ConnectPairing(ctx, bob, code["code"].(string)); err != nil {
		t.Fatalf("ConnectPairing() error = %v", err)
	}
}

func domainCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}
