// Package poll keeps a subscriber's view fresh when the push path goes quiet.
//
// A Scheduler watches liveness signals from the push path. While signals keep
// arriving it stays Live and never polls. Once a full liveness window passes
// without one, it turns Degraded and re-fetches on a fixed interval until the
// push path reports in again.
package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"candle/api/internal/envelope"
)

type Connectivity string

const (
	Live     Connectivity = "live"
	Degraded Connectivity = "degraded"
)

type Policy struct {
	LivenessWindow time.Duration `yaml:"liveness_window"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

const DefaultLivenessWindow = 15 * time.Second

// ChannelStreak is not a broadcast channel; it names the polling policy for
// derived streak data.
const ChannelStreak = "streak"

// DefaultPolicies are tuned per channel: playful channels refresh fast, the
// rest can lag.
func DefaultPolicies() map[string]Policy {
	fast := Policy{LivenessWindow: DefaultLivenessWindow, PollInterval: 10 * time.Second}
	medium := Policy{LivenessWindow: DefaultLivenessWindow, PollInterval: 30 * time.Second}
	slow := Policy{LivenessWindow: DefaultLivenessWindow, PollInterval: 60 * time.Second}
	return map[string]Policy{
		envelope.ChannelKiss:     fast,
		envelope.ChannelDice:     fast,
		envelope.ChannelTrivia:   fast,
		envelope.ChannelNote:     fast,
		envelope.ChannelQuestion: medium,
		envelope.ChannelPair:     medium,
		envelope.ChannelMood:     slow,
		envelope.ChannelPrivacy:  slow,
		ChannelStreak:            slow,
	}
}

// PolicyFor returns the policy of channel, falling back to the slowest one.
func PolicyFor(policies map[string]Policy, channel string) Policy {
	if policy, ok := policies[channel]; ok {
		return policy.withDefaults()
	}
	return Policy{}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.LivenessWindow <= 0 {
		p.LivenessWindow = DefaultLivenessWindow
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 60 * time.Second
	}
	return p
}

// Func re-fetches authoritative state. It must not apply its result once ctx
// is cancelled: a cancelled poll is stale.
type Func func(ctx context.Context) error

type Stats struct {
	Polls      int64
	Failures   int64
	Skipped    int64
	Generation int64
}

type Scheduler struct {
	policy Policy
	poll   Func
	logger *zap.Logger

	signal chan struct{}
	down   chan struct{}
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	state      atomic.Value
	generation atomic.Int64
	polls      atomic.Int64
	failures   atomic.Int64
	skipped    atomic.Int64
}

func New(policy Policy, poll Func, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		policy: policy.withDefaults(),
		poll:   poll,
		logger: logger.Named("poll"),
		signal: make(chan struct{}, 1),
		down:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	s.state.Store(Live)
	return s
}

// Start begins monitoring. The push path has one liveness window from now to
// report in.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Signal reports that the push path delivered something: an envelope, the
// initial snapshot, or a transport heartbeat. Any poll timer stops at once.
func (s *Scheduler) Signal() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Down reports that the push path is known to be gone, so polling need not
// wait out the liveness window.
func (s *Scheduler) Down() {
	select {
	case s.down <- struct{}{}:
	default:
	}
}

// Stop ends monitoring, cancels any in-flight poll and waits for it.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Scheduler) Connectivity() Connectivity {
	return s.state.Load().(Connectivity)
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Polls:      s.polls.Load(),
		Failures:   s.failures.Load(),
		Skipped:    s.skipped.Load(),
		Generation: s.generation.Load(),
	}
}

type pollResult struct {
	generation int64
	err        error
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	liveness := time.NewTimer(s.policy.LivenessWindow)
	defer liveness.Stop()

	var ticker *time.Ticker
	var tick <-chan time.Time
	var inFlight bool
	cancelPoll := context.CancelFunc(func() {})
	results := make(chan pollResult, 1)

	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tick = nil
		}
	}

	launch := func() {
		if inFlight {
			s.skipped.Add(1)
			return
		}
		inFlight = true
		gen := s.generation.Load()
		pollCtx, cancel := context.WithCancel(ctx)
		cancelPoll = cancel
		s.polls.Add(1)
		go func() {
			results <- pollResult{generation: gen, err: s.poll(pollCtx)}
		}()
	}

	degrade := func() {
		if s.Connectivity() == Degraded {
			return
		}
		s.generation.Add(1)
		s.state.Store(Degraded)
		s.logger.Info("push path quiet, polling", zap.Duration("interval", s.policy.PollInterval))
		ticker = time.NewTicker(s.policy.PollInterval)
		tick = ticker.C
		launch()
	}

	defer func() {
		stopTicker()
		cancelPoll()
		if inFlight {
			<-results
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return

		case <-s.signal:
			if s.Connectivity() == Degraded {
				s.generation.Add(1)
				s.state.Store(Live)
				stopTicker()
				cancelPoll()
				s.logger.Info("push path live, polling stopped")
			}
			if !liveness.Stop() {
				select {
				case <-liveness.C:
				default:
				}
			}
			liveness.Reset(s.policy.LivenessWindow)

		case <-s.down:
			liveness.Stop()
			degrade()

		case <-liveness.C:
			degrade()

		case <-tick:
			launch()

		case res := <-results:
			inFlight = false
			cancelPoll()
			if res.generation != s.generation.Load() {
				continue
			}
			if res.err != nil && ctx.Err() == nil {
				s.failures.Add(1)
				s.logger.Warn("poll failed", zap.Error(res.err))
			}
		}
	}
}
