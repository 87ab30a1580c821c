package http

import (
	"bytes"
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Duet/internal/adapters/content"
	"github.com/dkeye/Duet/internal/adapters/engine"
	"github.com/dkeye/Duet/internal/adapters/media"
	"github.com/dkeye/Duet/internal/adapters/realtime"
	"github.com/dkeye/Duet/internal/adapters/signal"
	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/app/call"
	"github.com/dkeye/Duet/internal/app/client"
	"github.com/dkeye/Duet/internal/app/orch"
	"github.com/dkeye/Duet/internal/app/sfu"
	"github.com/dkeye/Duet/internal/app/token"
	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	*httptest.Server
	deps Deps
}

func newServer(t *testing.T, tokenSecret string) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := app.NewRegistry()
	o := &orch.Orchestrator{
		Registry: reg,
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(),
	}
	issuer := token.NewIssuer(tokenSecret, time.Minute, nil)
	d := Deps{
		Signal: signal.NewSignalWSController(signal.Config{}, reg, app.NewCallDirectory(), app.SimplePolicy{}),
		Media:  media.NewMediaWSController(media.Config{}, o, issuer, nil),
		Orch:   o,
		Tokens: issuer,
	}
	cfg := &config.Config{Mode: "test", Secret: "cookie-secret"}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, d))
	t.Cleanup(srv.Close)
	return &server{Server: srv, deps: d}
}

func (s *server) ws(path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

func (s *server) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := stdhttp.Get(s.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func (s *server) postToken(t *testing.T, body string) (int, map[string]any) {
	t.Helper()
	resp, err := stdhttp.Post(s.URL+"/api/tokens", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealthAndClientCookie(t *testing.T) {
	s := newServer(t, "token-secret")
	resp, err := stdhttp.Get(s.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, stdhttp.StatusOK, resp.StatusCode)

	var ct *stdhttp.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "ct" {
			ct = c
		}
	}
	require.NotNil(t, ct)
	assert.NotEmpty(t, ct.Value)
	assert.True(t, ct.HttpOnly)
}

func TestTokenEndpoint(t *testing.T) {
	s := newServer(t, "token-secret")

	status, body := s.postToken(t, `{"roomID":"room_1","userID":"u1","userName":"Ann"}`)
	require.Equal(t, stdhttp.StatusOK, status)
	assert.Equal(t, "room_1", body["roomID"])
	assert.Equal(t, "u1", body["userID"])
	assert.NotEmpty(t, body["expiresAt"])

	claims, err := s.deps.Tokens.Verify(body["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("room_1"), claims.Room)
	assert.Equal(t, "Ann", claims.UserName)

	status, body = s.postToken(t, `{"roomID":"room_1"}`)
	assert.Equal(t, stdhttp.StatusBadRequest, status)
	assert.NotEmpty(t, body["error"])

	status, _ = s.postToken(t, `not json`)
	assert.Equal(t, stdhttp.StatusBadRequest, status)
}

func TestTokenEndpointWithoutSecret(t *testing.T) {
	s := newServer(t, "")
	status, body := s.postToken(t, `{"roomID":"room_1","userID":"u1","userName":"Ann"}`)
	assert.Equal(t, stdhttp.StatusServiceUnavailable, status)
	assert.Equal(t, "token service unavailable", body["error"])
}

func TestRoomsAndOnlineStartEmpty(t *testing.T) {
	s := newServer(t, "token-secret")

	var rooms []core.RoomInfo
	assert.Equal(t, stdhttp.StatusOK, s.getJSON(t, "/api/rooms", &rooms))
	assert.Empty(t, rooms)

	var online []domain.PeerPresence
	assert.Equal(t, stdhttp.StatusOK, s.getJSON(t, "/api/online", &online))
	assert.Empty(t, online)
}

func (s *server) client(t *testing.T, uid, name string) *client.Client {
	t.Helper()
	id := domain.Identity{User: domain.User{ID: domain.UserID(uid), Username: name}}
	rt := realtime.DefaultConfig()
	rt.URL = s.ws("/api/ws/signal")
	eng := engine.New(engine.Config{
		URL:           s.ws("/api/ws/media"),
		JoinTimeout:   5 * time.Second,
		HasMicrophone: true,
		HasCamera:     true,
	})
	c := client.New(client.Deps{
		Identity:  id,
		Transport: realtime.New(rt),
		Engine:    eng,
		Tokens:    content.NewTokenClient(s.URL, 5*time.Second),
		Call:      call.Config{RingTimeout: 10 * time.Second, ConnectTimeout: 10 * time.Second},
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func TestCallBetweenTwoClients(t *testing.T) {
	s := newServer(t, "token-secret")
	alice := s.client(t, "alice", "Alice")
	bob := s.client(t, "bob", "Bob")

	require.Eventually(t, func() bool {
		return alice.Presence.IsOnline("bob") && bob.Presence.IsOnline("alice")
	}, 5*time.Second, 20*time.Millisecond)

	var online []domain.PeerPresence
	s.getJSON(t, "/api/online", &online)
	assert.Len(t, online, 2)

	sess, err := alice.Calls.StartCall(domain.User{ID: "bob", Username: "Bob"}, domain.CallVideo)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bob.Calls.State() == domain.CallIncoming
	}, 5*time.Second, 20*time.Millisecond)
	incoming, ok := bob.Calls.Current()
	require.True(t, ok)
	assert.Equal(t, sess.CallID, incoming.CallID)
	assert.Equal(t, sess.RoomID, incoming.RoomID)

	require.NoError(t, bob.Calls.Accept(context.Background()))
	require.Eventually(t, func() bool {
		return alice.Calls.State() == domain.CallConnected && bob.Calls.State() == domain.CallConnected
	}, 10*time.Second, 20*time.Millisecond)

	var rooms []core.RoomInfo
	s.getJSON(t, "/api/rooms", &rooms)
	require.Len(t, rooms, 1)
	assert.Equal(t, sess.RoomID, rooms[0].ID)

	require.NoError(t, alice.Calls.End())
	require.Eventually(t, func() bool {
		return alice.Calls.State().IsTerminal() || alice.Calls.State() == domain.CallIdle
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		st := bob.Calls.State()
		return st.IsTerminal() || st == domain.CallIdle
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		var rooms []core.RoomInfo
		s.getJSON(t, "/api/rooms", &rooms)
		return len(rooms) == 0
	}, 5*time.Second, 20*time.Millisecond)
}
