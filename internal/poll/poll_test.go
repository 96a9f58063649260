package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastPolicy() Policy {
	return Policy{LivenessWindow: 40 * time.Millisecond, PollInterval: 50 * time.Millisecond}
}

func TestLiveSubscriptionNeverPolls(t *testing.T) {
	var polls atomic.Int64
	s := New(fastPolicy(), func(context.Context) error {
		polls.Add(1)
		return nil
	}, nil)
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.Signal()
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int64(0), polls.Load())
	assert.Equal(t, Live, s.Connectivity())
}

func TestOutagePollsOncePerInterval(t *testing.T) {
	var polls atomic.Int64
	s := New(fastPolicy(), func(context.Context) error {
		polls.Add(1)
		return nil
	}, nil)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Connectivity() == Degraded }, time.Second, 5*time.Millisecond)

	// One poll on degrading, then one per interval.
	time.Sleep(520 * time.Millisecond)
	got := polls.Load()
	assert.GreaterOrEqual(t, got, int64(8))
	assert.LessOrEqual(t, got, int64(13))

	s.Signal()
	require.Eventually(t, func() bool { return s.Connectivity() == Live }, time.Second, 5*time.Millisecond)
	settled := polls.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, settled, polls.Load(), "signal must stop the poll timer")
}

func TestAtMostOnePollInFlight(t *testing.T) {
	var current, maxSeen atomic.Int64
	s := New(Policy{LivenessWindow: 10 * time.Millisecond, PollInterval: 10 * time.Millisecond}, func(ctx context.Context) error {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			old := maxSeen.Load()
			if n <= old || maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
		select {
		case <-time.After(60 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}, nil)
	s.Start(context.Background())

	time.Sleep(300 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int64(1), maxSeen.Load())
	assert.Positive(t, s.Stats().Skipped)
}

func TestSignalCancelsInFlightPoll(t *testing.T) {
	started := make(chan struct{}, 1)
	cancelled := make(chan struct{})
	var once sync.Once
	s := New(fastPolicy(), func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		once.Do(func() { close(cancelled) })
		return ctx.Err()
	}, nil)
	s.Start(context.Background())
	defer s.Stop()

	s.Down()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("poll did not start after Down")
	}

	s.Signal()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight poll was not cancelled by Signal")
	}
	require.Eventually(t, func() bool { return s.Connectivity() == Live }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), s.Stats().Failures, "a cancelled poll is stale, not failed")
	assert.Equal(t, int64(2), s.Stats().Generation)
}

func TestPollFailuresAreCounted(t *testing.T) {
	s := New(fastPolicy(), func(context.Context) error {
		return errors.New("store unavailable")
	}, nil)
	s.Start(context.Background())
	defer s.Stop()

	s.Down()
	require.Eventually(t, func() bool { return s.Stats().Failures >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Degraded, s.Connectivity())
}

func TestStopEndsPollingAndWaits(t *testing.T) {
	var polls atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(fastPolicy(), func(ctx context.Context) error {
		polls.Add(1)
		<-ctx.Done()
		return nil
	}, nil)
	s.Start(ctx)
	s.Down()
	require.Eventually(t, func() bool { return polls.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	stopped := polls.Load()
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, stopped, polls.Load())
}

func TestPolicyFor(t *testing.T) {
	policies := DefaultPolicies()
	assert.Equal(t, 10*time.Second, PolicyFor(policies, "kiss").PollInterval)
	assert.Equal(t, 30*time.Second, PolicyFor(policies, "question").PollInterval)
	assert.Equal(t, 60*time.Second, PolicyFor(policies, ChannelStreak).PollInterval)

	unknown := PolicyFor(policies, "unknown")
	assert.Equal(t, DefaultLivenessWindow, unknown.LivenessWindow)
	assert.Equal(t, 60*time.Second, unknown.PollInterval)

	partial := PolicyFor(map[string]Policy{"kiss": {PollInterval: time.Second}}, "kiss")
	assert.Equal(t, DefaultLivenessWindow, partial.LivenessWindow)
}
