package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candle/api/internal/envelope"
	"candle/api/internal/poll"
)

type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	down     atomic.Bool
	value    atomic.Int64

	// pingEvery makes the server send keepalive pings; heartbeats adds
	// transport heartbeats to them.
	pingEvery  time.Duration
	heartbeats atomic.Bool

	mu     sync.Mutex
	conns  []*websocket.Conn
	events []envelope.Envelope
	auth   string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.dropAll()
		srv.Close()
	})
	return f, srv
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/subscribe"):
		if f.down.Load() {
			http.Error(w, "broadcast unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		snapshot, _ := envelope.Encode(envelope.Snapshot("alice_bob", envelope.ChannelKiss, time.Now()))
		if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
			conn.Close()
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		done := make(chan struct{})
		defer close(done)
		if f.pingEvery > 0 {
			go f.keepalive(conn, done)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}

	case strings.HasSuffix(r.URL.Path, "/events"):
		after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		f.mu.Lock()
		out := []envelope.Envelope{}
		for _, env := range f.events {
			if env.Seq > after {
				out = append(out, env)
			}
		}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"events": out, "cursor": int64(len(f.events))})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
			return
		}
		if !f.heartbeats.Load() {
			continue
		}
		data, _ := envelope.Encode(envelope.Heartbeat("alice_bob", envelope.ChannelKiss, time.Now()))
		f.mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		f.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// commit records an event and pushes it to every live connection.
func (f *fakeServer) commit(value int64) {
	f.value.Store(value)
	f.mu.Lock()
	defer f.mu.Unlock()
	env := envelope.Envelope{
		ID:      "evt",
		PairKey: "alice_bob",
		Channel: envelope.ChannelKiss,
		Kind:    "sent",
		Seq:     int64(len(f.events) + 1),
		At:      time.Now(),
	}
	f.events = append(f.events, env)
	data, _ := envelope.Encode(env)
	for _, conn := range f.conns {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (f *fakeServer) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		conn.Close()
	}
	f.conns = nil
}

func (f *fakeServer) connected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func runWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWatcherRefetchesOnSnapshotAndNewEnvelopes(t *testing.T) {
	f, srv := newFakeServer(t)
	var applies atomic.Int64
	w := New(srv.URL, "tok", nil).NewWatcher(envelope.ChannelKiss,
		poll.Policy{LivenessWindow: 5 * time.Second, PollInterval: 5 * time.Second},
		func(context.Context) error {
			applies.Add(1)
			return nil
		})
	runWatcher(t, w)

	require.Eventually(t, func() bool { return f.connected() == 1 && applies.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	state := w.State()
	assert.True(t, state.Connected)
	assert.Equal(t, "alice_bob", state.PairKey)

	f.commit(1)
	f.commit(2)
	require.Eventually(t, func() bool { return w.State().LastSeen == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), applies.Load())
	assert.Equal(t, poll.Live, w.State().Connectivity)

	f.mu.Lock()
	auth := f.auth
	f.mu.Unlock()
	assert.Equal(t, "Bearer tok", auth)
}

func TestWatcherIgnoresReplayedSeq(t *testing.T) {
	f, srv := newFakeServer(t)
	var applies atomic.Int64
	w := New(srv.URL, "tok", nil).NewWatcher(envelope.ChannelKiss,
		poll.Policy{LivenessWindow: 5 * time.Second, PollInterval: 5 * time.Second},
		func(context.Context) error {
			applies.Add(1)
			return nil
		})
	runWatcher(t, w)
	require.Eventually(t, func() bool { return f.connected() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.commit(1)
	require.Eventually(t, func() bool { return w.State().LastSeen == 1 }, 2*time.Second, 5*time.Millisecond)

	// A duplicate delivery of seq 1 must not trigger another refetch.
	f.mu.Lock()
	data, _ := envelope.Encode(f.events[0])
	for _, conn := range f.conns {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}
	f.mu.Unlock()
	f.commit(2)
	require.Eventually(t, func() bool { return w.State().LastSeen == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), applies.Load())
}

func TestWatcherPollsThroughOutageAndConverges(t *testing.T) {
	f, srv := newFakeServer(t)
	f.down.Store(true)

	var seen atomic.Int64
	w := New(srv.URL, "tok", nil).NewWatcher(envelope.ChannelKiss,
		poll.Policy{LivenessWindow: 50 * time.Millisecond, PollInterval: 50 * time.Millisecond},
		func(context.Context) error {
			seen.Store(f.value.Load())
			return nil
		})
	w.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) }
	runWatcher(t, w)

	// The push path is down, so the only way to see the write is polling.
	f.commit(7)
	require.Eventually(t, func() bool { return seen.Load() == 7 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, poll.Degraded, w.State().Connectivity)
	assert.Equal(t, int64(1), w.State().LastSeen)

	f.down.Store(false)
	require.Eventually(t, func() bool { return w.State().Connectivity == poll.Live }, 2*time.Second, 5*time.Millisecond)

	f.commit(9)
	require.Eventually(t, func() bool { return seen.Load() == 9 }, 2*time.Second, 5*time.Millisecond)

	// Losing the connection again degrades without waiting for the window.
	f.down.Store(true)
	f.dropAll()
	require.Eventually(t, func() bool { return !w.State().Connected }, 2*time.Second, 5*time.Millisecond)
	f.commit(11)
	require.Eventually(t, func() bool { return seen.Load() == 11 }, 2*time.Second, 5*time.Millisecond)
}

func TestWatcherDegradesWhenOnlyKeepalivesArrive(t *testing.T) {
	f, srv := newFakeServer(t)
	f.pingEvery = 10 * time.Millisecond

	var seen atomic.Int64
	w := New(srv.URL, "tok", nil).NewWatcher(envelope.ChannelKiss,
		poll.Policy{LivenessWindow: 100 * time.Millisecond, PollInterval: 30 * time.Millisecond},
		func(context.Context) error {
			seen.Store(f.value.Load())
			return nil
		})
	runWatcher(t, w)
	require.Eventually(t, func() bool { return f.connected() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The socket stays healthy on pings alone, but nothing proves the
	// broadcast path, so the watcher must fall back to polling.
	require.Eventually(t, func() bool { return w.State().Connectivity == poll.Degraded }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, w.State().Connected)

	f.value.Store(5)
	require.Eventually(t, func() bool { return seen.Load() == 5 }, 2*time.Second, 5*time.Millisecond)

	f.heartbeats.Store(true)
	require.Eventually(t, func() bool { return w.State().Connectivity == poll.Live }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.connected())
}

func TestPollCursorSkipsHiddenEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":[{"seq":3,"kind":"sent"}],"cursor":9}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "tok", nil).Events(context.Background(), envelope.ChannelKiss, 0)
	require.NoError(t, err)
	assert.Len(t, page.Events, 1)
	assert.Equal(t, int64(9), page.Cursor)
}

func TestClientDecodesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"WRITE_CONFLICT","error":"interaction changed","details":{"retryable":true}}`))
	}))
	defer srv.Close()

	err := New(srv.URL, "tok", nil).Post(context.Background(), "/api/kisses", map[string]string{}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "WRITE_CONFLICT", apiErr.Code)
	assert.True(t, apiErr.Retryable())
}

func TestSubscribeURLScheme(t *testing.T) {
	got, err := New("https://candle.example/", "", nil).subscribeURL("kiss")
	require.NoError(t, err)
	assert.Equal(t, "wss://candle.example/api/sync/kiss/subscribe", got)

	got, err = New("http://localhost:8080", "", nil).subscribeURL("mood")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/sync/mood/subscribe", got)
}
