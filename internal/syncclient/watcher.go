package syncclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"candle/api/internal/envelope"
	"candle/api/internal/poll"
)

// ApplyFunc re-fetches the channel's authoritative state and renders it. It
// must not apply a result once ctx is cancelled.
type ApplyFunc func(ctx context.Context) error

type State struct {
	PairKey      string
	Channel      string
	LastSeen     int64
	Connectivity poll.Connectivity
	Connected    bool
}

// Watcher keeps one channel current. Envelopes from the subscription only
// trigger re-fetches; every (re)connect re-fetches in full because the push
// path has no replay.
type Watcher struct {
	client  *Client
	channel string
	apply   ApplyFunc
	policy  poll.Policy
	logger  *zap.Logger
	dialer  *websocket.Dialer

	scheduler *poll.Scheduler
	applyMu   sync.Mutex

	mu        sync.Mutex
	pairKey   string
	lastSeen  int64
	connected bool

	newBackOff func() backoff.BackOff
}

func (c *Client) NewWatcher(channel string, policy poll.Policy, apply ApplyFunc) *Watcher {
	w := &Watcher{
		client:  c,
		channel: channel,
		apply:   apply,
		policy:  policy,
		logger:  c.logger.With(zap.String("channel", channel)),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.RandomizationFactor = 0.5
			b.Multiplier = 2
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	w.scheduler = poll.New(policy, w.pollOnce, w.logger)
	return w
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return State{
		PairKey:      w.pairKey,
		Channel:      w.channel,
		LastSeen:     w.lastSeen,
		Connectivity: w.scheduler.Connectivity(),
		Connected:    w.connected,
	}
}

// Run subscribes until ctx is done, reconnecting with randomized exponential
// backoff. The poll scheduler runs alongside and is torn down with it.
func (w *Watcher) Run(ctx context.Context) error {
	w.scheduler.Start(ctx)
	defer w.scheduler.Stop()

	retry := w.newBackOff()
	for {
		connected, err := w.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		w.scheduler.Down()
		if connected {
			retry.Reset()
		}
		wait := retry.NextBackOff()
		w.logger.Warn("subscription dropped, retrying", zap.Duration("wait", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one WebSocket connection. It reports whether the subscription
// was established before it ended.
func (w *Watcher) session(ctx context.Context) (bool, error) {
	target, err := w.client.subscribeURL(w.channel)
	if err != nil {
		return false, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+w.client.token)
	conn, resp, err := w.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	readTimeout := 2 * w.policy.LivenessWindow
	if readTimeout <= 0 {
		readTimeout = 2 * poll.DefaultLivenessWindow
	}
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	extend()
	// Pings only keep the socket open; liveness comes from envelopes and
	// transport heartbeats.
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	defer w.setConnected(false)
	connected := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return connected, err
		}
		extend()
		env, err := envelope.Decode(data)
		if err != nil {
			w.logger.Warn("undecodable envelope", zap.Error(err))
			continue
		}
		w.scheduler.Signal()

		if env.IsHeartbeat() {
			continue
		}
		if env.IsSnapshot() {
			connected = true
			w.mu.Lock()
			w.pairKey = env.PairKey
			w.connected = true
			w.mu.Unlock()
			w.refetch(ctx)
			continue
		}
		if !w.advance(env.Seq) {
			continue
		}
		w.refetch(ctx)
	}
}

func (w *Watcher) setConnected(connected bool) {
	w.mu.Lock()
	w.connected = connected
	w.mu.Unlock()
}

// advance records seq and reports whether it was new.
func (w *Watcher) advance(seq int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq <= w.lastSeen {
		return false
	}
	w.lastSeen = seq
	return true
}

func (w *Watcher) refetch(ctx context.Context) {
	if err := w.applyLocked(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("refetch failed", zap.Error(err))
	}
}

func (w *Watcher) applyLocked(ctx context.Context) error {
	w.applyMu.Lock()
	defer w.applyMu.Unlock()
	return w.apply(ctx)
}

// pollOnce advances the cursor from the ordered log, then re-fetches.
func (w *Watcher) pollOnce(ctx context.Context) error {
	w.mu.Lock()
	after := w.lastSeen
	w.mu.Unlock()

	page, err := w.client.Events(ctx, w.channel, after)
	if err != nil {
		return err
	}
	w.advance(page.Cursor)
	return w.applyLocked(ctx)
}
