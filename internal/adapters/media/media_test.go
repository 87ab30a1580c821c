package media

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Duet/internal/adapters/rtc"
	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/app/orch"
	"github.com/dkeye/Duet/internal/app/sfu"
	"github.com/dkeye/Duet/internal/app/token"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	url    string
	tokens *token.Issuer
	orch   *orch.Orchestrator
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(),
	}
	issuer := token.NewIssuer("secret", time.Minute, nil)
	ctl := NewMediaWSController(Config{}, o, issuer, nil)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", "ct")
		ctl.HandleMedia(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		tokens: issuer,
		orch:   o,
	}
}

type peer struct {
	ws *websocket.Conn

	mu    sync.Mutex
	inbox []core.MediaMessage
}

func (s *server) dial(t *testing.T) *peer {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	p := &peer{ws: ws}
	t.Cleanup(func() { _ = ws.Close() })
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg core.MediaMessage
			if json.Unmarshal(data, &msg) == nil {
				p.mu.Lock()
				p.inbox = append(p.inbox, msg)
				p.mu.Unlock()
			}
		}
	}()
	return p
}

// join dials and joins room as uid, returning the room_state reply.
func (s *server) join(t *testing.T, room domain.RoomID, uid string) (*peer, core.MediaMessage) {
	t.Helper()
	tok, _, err := s.tokens.Issue(room, domain.User{ID: domain.UserID(uid), Username: uid})
	require.NoError(t, err)
	p := s.dial(t)
	p.send(t, core.MediaMessage{Type: core.MediaJoin, Room: room, Token: tok})
	return p, p.next(t, core.MediaRoomState)
}

func (p *peer) send(t *testing.T, msg core.MediaMessage) {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, p.ws.WriteMessage(websocket.TextMessage, b))
}

func (p *peer) next(t *testing.T, typ string) core.MediaMessage {
	t.Helper()
	var out core.MediaMessage
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, m := range p.inbox {
			if m.Type == typ {
				out = m
				p.inbox = append(p.inbox[:i:i], p.inbox[i+1:]...)
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "no %s message", typ)
	return out
}

func TestJoinAnnouncesMembers(t *testing.T) {
	s := newServer(t)
	a, state := s.join(t, "room_1", "alice")
	assert.Equal(t, domain.RoomID("room_1"), state.Room)
	assert.Equal(t, 1, state.Count)

	_, state = s.join(t, "room_1", "bob")
	assert.Equal(t, 2, state.Count)
	assert.ElementsMatch(t, []core.MemberDTO{{ID: "alice", Username: "alice"}, {ID: "bob", Username: "bob"}}, state.Members)

	joined := a.next(t, core.MediaMemberJoined)
	require.NotNil(t, joined.User)
	assert.Equal(t, domain.UserID("bob"), joined.User.ID)
}

func TestJoinRefusals(t *testing.T) {
	s := newServer(t)

	p := s.dial(t)
	p.send(t, core.MediaMessage{Type: core.MediaJoin, Room: "room_1", Token: "forged.token"})
	assert.Equal(t, core.MediaErrInvalidToken, p.next(t, core.MediaError).Error)

	// a token for another room does not open this one
	tok, _, err := s.tokens.Issue("room_2", domain.User{ID: "carol", Username: "carol"})
	require.NoError(t, err)
	p.send(t, core.MediaMessage{Type: core.MediaJoin, Room: "room_1", Token: tok})
	assert.Equal(t, core.MediaErrInvalidToken, p.next(t, core.MediaError).Error)

	p.send(t, core.MediaMessage{Type: core.MediaOffer, SDP: "v=0"})
	assert.Equal(t, core.MediaErrNotJoined, p.next(t, core.MediaError).Error)

	s.join(t, "room_1", "alice")
	s.join(t, "room_1", "bob")
	tok, _, err = s.tokens.Issue("room_1", domain.User{ID: "carol", Username: "carol"})
	require.NoError(t, err)
	p.send(t, core.MediaMessage{Type: core.MediaJoin, Room: "room_1", Token: tok})
	assert.Equal(t, core.MediaErrRoomFull, p.next(t, core.MediaError).Error)
}

func TestLeaveAndDisconnectNotifyRoom(t *testing.T) {
	s := newServer(t)
	a, _ := s.join(t, "room_1", "alice")
	b, _ := s.join(t, "room_1", "bob")

	b.send(t, core.MediaMessage{Type: core.MediaLeave})
	b.next(t, core.MediaLeft)
	left := a.next(t, core.MediaMemberLeft)
	require.NotNil(t, left.User)
	assert.Equal(t, domain.UserID("bob"), left.User.ID)

	c, _ := s.join(t, "room_1", "carol")
	require.NoError(t, c.ws.Close())
	left = a.next(t, core.MediaMemberLeft)
	assert.Equal(t, domain.UserID("carol"), left.User.ID)

	require.NoError(t, a.ws.Close())
	require.Eventually(t, func() bool {
		_, ok := s.orch.Rooms.GetRoom("room_1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMuteIsRelayed(t *testing.T) {
	s := newServer(t)
	a, _ := s.join(t, "room_1", "alice")
	b, _ := s.join(t, "room_1", "bob")

	a.send(t, core.MediaMessage{Type: core.MediaMute, Kind: "audio", Muted: true})
	muted := b.next(t, core.MediaMemberMuted)
	assert.Equal(t, "audio", muted.Kind)
	assert.True(t, muted.Muted)
	assert.Equal(t, domain.UserID("alice"), muted.User.ID)

	a.send(t, core.MediaMessage{Type: core.MediaMute, Kind: "screen", Muted: true})
	assert.Equal(t, core.MediaErrBadPayload, a.next(t, core.MediaError).Error)

	// a member arriving later learns the flag from the room state
	b.send(t, core.MediaMessage{Type: core.MediaLeave})
	b.next(t, core.MediaLeft)
	_, state := s.join(t, "room_1", "bob")
	assert.Contains(t, state.Members, core.MemberDTO{ID: "alice", Username: "alice", AudioMuted: true})
}

func TestOfferIsAnswered(t *testing.T) {
	s := newServer(t)
	a, _ := s.join(t, "room_1", "alice")

	pc, err := rtc.NewWebRTCConnection(nil, rtc.DefaultWebRTCConfig(), "client")
	require.NoError(t, err)
	t.Cleanup(pc.Close)
	require.NoError(t, pc.Start(context.Background()))
	require.NoError(t, pc.AddRecvOnly(webrtc.RTPCodecTypeAudio))
	offer, err := pc.CreateAndSetOffer()
	require.NoError(t, err)

	a.send(t, core.MediaMessage{Type: core.MediaOffer, SDP: offer.SDP})
	answer := a.next(t, core.MediaAnswer)
	assert.Contains(t, answer.SDP, "m=audio")
	require.NoError(t, pc.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}))
}
