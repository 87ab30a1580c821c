package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubStub struct {
	*httptest.Server
	hits   atomic.Int32
	reject atomic.Bool
	stall  atomic.Bool

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []core.Envelope
}

func newHubStub(t *testing.T) *hubStub {
	t.Helper()
	h := &hubStub{}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.hits.Add(1)
		if h.stall.Load() {
			<-r.Context().Done()
			return
		}
		if h.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, ws)
		h.mu.Unlock()
		go func() {
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				var env core.Envelope
				if json.Unmarshal(data, &env) == nil {
					h.mu.Lock()
					h.received = append(h.received, env)
					h.mu.Unlock()
				}
			}
		}()
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *hubStub) url() string { return "ws" + strings.TrimPrefix(h.URL, "http") }

func (h *hubStub) events(typ string) []core.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []core.Envelope
	for _, e := range h.received {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (h *hubStub) latest(t *testing.T) *websocket.Conn {
	t.Helper()
	var ws *websocket.Conn
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.conns) == 0 {
			return false
		}
		ws = h.conns[len(h.conns)-1]
		return true
	}, time.Second, 5*time.Millisecond)
	return ws
}

func (h *hubStub) send(t *testing.T, ws *websocket.Conn, typ string, payload any) {
	t.Helper()
	data, err := core.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func fastConfig(url string) Config {
	return Config{
		URL:            url,
		InitialBackoff: 2 * time.Millisecond,
		MaxBackoff:     8 * time.Millisecond,
		MaxRetries:     5,
		PongWait:       5 * time.Second,
	}
}

type statusLog struct {
	mu  sync.Mutex
	all []core.ConnectionStatus
}

func (l *statusLog) handler(data json.RawMessage) {
	var st core.ConnectionStatus
	_ = json.Unmarshal(data, &st)
	l.mu.Lock()
	l.all = append(l.all, st)
	l.mu.Unlock()
}

func (l *statusLog) snapshot() []core.ConnectionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.ConnectionStatus(nil), l.all...)
}

var ann = core.InitPayload{UserID: "u1", UserName: "Ann"}

func TestBackoffSchedule(t *testing.T) {
	got := make([]time.Duration, 0, 7)
	for i := 0; i < 7; i++ {
		got = append(got, Backoff(time.Second, 10*time.Second, i))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second, 10 * time.Second,
	}, got)
}

func TestConnectSendsInitAndRoutesEvents(t *testing.T) {
	hub := newHubStub(t)
	c := New(fastConfig(hub.url()))

	var got atomic.Value
	off := c.On(core.EventCallOffer, func(data json.RawMessage) {
		var o core.CallOffer
		_ = json.Unmarshal(data, &o)
		got.Store(o.CallID)
	})

	require.NoError(t, c.Connect(context.Background(), ann))
	defer c.Disconnect()
	assert.Equal(t, core.ConnConnected, c.State())

	assert.Eventually(t, func() bool { return len(hub.events(core.EventInit)) == 1 }, time.Second, 5*time.Millisecond)
	var hello core.InitPayload
	require.NoError(t, json.Unmarshal(hub.events(core.EventInit)[0].Data, &hello))
	assert.Equal(t, ann, hello)

	require.NoError(t, c.Send(core.EventTyping, core.TypingPayload{ConversationID: "c", IsTyping: true}))
	assert.Eventually(t, func() bool { return len(hub.events(core.EventTyping)) == 1 }, time.Second, 5*time.Millisecond)

	ws := hub.latest(t)
	hub.send(t, ws, core.EventCallOffer, core.CallOffer{CallID: "c1"})
	assert.Eventually(t, func() bool { return got.Load() == domain.CallID("c1") }, time.Second, 5*time.Millisecond)

	off()
	off()
	hub.send(t, ws, core.EventCallOffer, core.CallOffer{CallID: "c2"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.CallID("c1"), got.Load())
}

func TestSendWithoutConnection(t *testing.T) {
	c := New(fastConfig("ws://127.0.0.1:1"))
	err := c.Send(core.EventTyping, nil)
	var te *domain.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, domain.TransportNotConnected, te.Reason)
}

func TestReconnectResendsInit(t *testing.T) {
	hub := newHubStub(t)
	c := New(fastConfig(hub.url()))
	require.NoError(t, c.Connect(context.Background(), ann))
	defer c.Disconnect()

	first := hub.latest(t)
	assert.Eventually(t, func() bool { return len(hub.events(core.EventInit)) == 1 }, time.Second, 5*time.Millisecond)
	_ = first.Close()

	assert.Eventually(t, func() bool { return len(hub.events(core.EventInit)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return c.State() == core.ConnConnected }, time.Second, 5*time.Millisecond)
}

func TestRetryBudgetAndManualRetry(t *testing.T) {
	hub := newHubStub(t)
	hub.reject.Store(true)
	cfg := fastConfig(hub.url())
	c := New(cfg)
	statuses := &statusLog{}
	c.On(core.EventConnection, statuses.handler)

	err := c.Connect(context.Background(), ann)
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.TransportDialFailed, te.Reason)
	defer c.Disconnect()

	assert.Eventually(t, func() bool { return c.State() == core.ConnFailed }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(cfg.MaxRetries+1), hub.hits.Load())

	assert.Eventually(t, func() bool {
		all := statuses.snapshot()
		return len(all) > 0 && all[len(all)-1].State == core.ConnFailed
	}, time.Second, 5*time.Millisecond)

	var delays []time.Duration
	for _, st := range statuses.snapshot() {
		if st.State == core.ConnReconnecting {
			delays = append(delays, st.Delay)
		}
	}
	require.Len(t, delays, cfg.MaxRetries)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], cfg.MaxBackoff)
	}
	last := statuses.snapshot()
	assert.Equal(t, domain.TransportRetriesExhausted, last[len(last)-1].Reason)

	// no automatic attempts after exhaustion
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(cfg.MaxRetries+1), hub.hits.Load())

	hub.reject.Store(false)
	require.True(t, c.Retry())
	assert.Eventually(t, func() bool { return c.State() == core.ConnConnected }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.Retry())
}

func TestRetryWhileFailedStartsOneRound(t *testing.T) {
	hub := newHubStub(t)
	hub.reject.Store(true)
	cfg := fastConfig(hub.url())
	cfg.MaxRetries = 1
	cfg.InitialBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	c := New(cfg)

	require.Error(t, c.Connect(context.Background(), ann))
	defer c.Disconnect()
	require.Eventually(t, func() bool { return c.State() == core.ConnFailed }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), hub.hits.Load())

	assert.True(t, c.Retry())
	assert.False(t, c.Retry())

	require.Eventually(t, func() bool {
		return hub.hits.Load() == 4 && c.State() == core.ConnFailed
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(4), hub.hits.Load())
	assert.Equal(t, core.ConnFailed, c.State())
}

func TestConnectAfterContextEndedBeforeDial(t *testing.T) {
	hub := newHubStub(t)
	hub.stall.Store(true)
	c := New(fastConfig(hub.url()))
	statuses := &statusLog{}
	c.On(core.EventConnection, statuses.handler)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.Error(t, c.Connect(ctx, ann))
	assert.Eventually(t, func() bool {
		all := statuses.snapshot()
		return c.State() == core.ConnClosed && len(all) > 0 && all[len(all)-1].State == core.ConnClosed
	}, time.Second, 5*time.Millisecond)

	hub.stall.Store(false)
	var err error
	require.Eventually(t, func() bool {
		err = c.Connect(context.Background(), ann)
		return !errors.Is(err, ErrAlreadyConnected)
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	defer c.Disconnect()
	assert.Equal(t, core.ConnConnected, c.State())
	hub.latest(t)
}

type rosterLog struct {
	mu   sync.Mutex
	seen [][]domain.PeerPresence
}

func (l *rosterLog) handler(data json.RawMessage) {
	var list []domain.PeerPresence
	_ = json.Unmarshal(data, &list)
	l.mu.Lock()
	l.seen = append(l.seen, list)
	l.mu.Unlock()
}

func (l *rosterLog) snapshot() [][]domain.PeerPresence {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]domain.PeerPresence(nil), l.seen...)
}

func presence(id string, at int64) domain.PeerPresence {
	return domain.PeerPresence{ID: domain.UserID(id), DisplayName: id, ConnectedAt: time.Unix(at, 0).UTC()}
}

func TestRosterDedupeAndSuppression(t *testing.T) {
	hub := newHubStub(t)
	c := New(fastConfig(hub.url()))
	rosters := &rosterLog{}
	c.On(core.EventOnlineUsers, rosters.handler)
	require.NoError(t, c.Connect(context.Background(), ann))
	defer c.Disconnect()
	ws := hub.latest(t)

	hub.send(t, ws, core.EventOnlineUsers, []domain.PeerPresence{presence("u2", 1), presence("u2", 5), presence("u3", 1)})
	hub.send(t, ws, core.EventOnlineUsers, []domain.PeerPresence{presence("u3", 1), presence("u2", 5)})
	hub.send(t, ws, core.EventOnlineUsers, []domain.PeerPresence{presence("u3", 1)})

	assert.Eventually(t, func() bool { return len(rosters.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	seen := rosters.snapshot()
	require.Len(t, seen, 2)
	assert.Equal(t, []domain.PeerPresence{presence("u2", 5), presence("u3", 1)}, seen[0])
	assert.Equal(t, []domain.PeerPresence{presence("u3", 1)}, seen[1])
}

func TestRosterCoalescing(t *testing.T) {
	hub := newHubStub(t)
	cfg := fastConfig(hub.url())
	cfg.RosterCoalesce = 30 * time.Millisecond
	c := New(cfg)
	rosters := &rosterLog{}
	c.On(core.EventOnlineUsers, rosters.handler)
	require.NoError(t, c.Connect(context.Background(), ann))
	defer c.Disconnect()
	ws := hub.latest(t)

	hub.send(t, ws, core.EventOnlineUsers, []domain.PeerPresence{presence("u2", 1)})
	hub.send(t, ws, core.EventOnlineUsers, []domain.PeerPresence{presence("u2", 1), presence("u3", 1)})
	hub.send(t, ws, core.EventOnlineUsers, []domain.PeerPresence{presence("u4", 1)})

	assert.Eventually(t, func() bool { return len(rosters.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	seen := rosters.snapshot()
	require.Len(t, seen, 1)
	assert.Equal(t, []domain.PeerPresence{presence("u4", 1)}, seen[0])
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	hub := newHubStub(t)
	c := New(fastConfig(hub.url()))
	statuses := &statusLog{}
	c.On(core.EventConnection, statuses.handler)
	require.NoError(t, c.Connect(context.Background(), ann))
	hub.latest(t)

	c.Disconnect()
	c.Disconnect()
	hits := hub.hits.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, hits, hub.hits.Load())
	assert.Equal(t, core.ConnClosed, c.State())
	assert.Eventually(t, func() bool {
		all := statuses.snapshot()
		return len(all) > 0 && all[len(all)-1].State == core.ConnClosed
	}, time.Second, 5*time.Millisecond)
}
