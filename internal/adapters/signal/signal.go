// Package signal is the realtime hub: one websocket per client tab,
// identity bound by init, roster broadcasts and relaying of call and chat
// events between users.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

type Config struct {
	SendBuffer int           `mapstructure:"send_buffer"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	// OfferLimit call offers per OfferWindow and user.
	OfferLimit  int           `mapstructure:"offer_limit"`
	OfferWindow time.Duration `mapstructure:"offer_window"`
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:  32,
		ReadLimit:   32768,
		PongWait:    60 * time.Second,
		WriteWait:   5 * time.Second,
		OfferLimit:  5,
		OfferWindow: 10 * time.Second,
	}
}

type SignalWSController struct {
	Registry *app.Registry
	Calls    *app.CallDirectory
	Policy   app.Policy
	Limiter  *CallRateLimiter

	cfg Config
	now func() time.Time

	mu    sync.Mutex
	drops map[core.SessionID]int
	open  map[core.SessionID]domain.ConversationID
}

func NewSignalWSController(cfg Config, reg *app.Registry, calls *app.CallDirectory, policy app.Policy) *SignalWSController {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.OfferLimit <= 0 {
		cfg.OfferLimit = def.OfferLimit
	}
	if cfg.OfferWindow <= 0 {
		cfg.OfferWindow = def.OfferWindow
	}
	return &SignalWSController{
		Registry: reg,
		Calls:    calls,
		Policy:   policy,
		Limiter:  NewCallRateLimiter(cfg.OfferLimit, cfg.OfferWindow, nil),
		cfg:      cfg,
		now:      time.Now,
		drops:    make(map[core.SessionID]int),
		open:     make(map[core.SessionID]domain.ConversationID),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newSessionID scopes a connection to the browser's client token. Tabs of
// one browser share the token but get distinct sessions.
func newSessionID(clientToken string) core.SessionID {
	if clientToken == "" {
		clientToken = "anon"
	}
	return core.SessionID(clientToken + ":" + uuid.NewString())
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := newSessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.cfg.SendBuffer),
	}

	sess := core.NewMemberSession(domain.NewMember(nil)).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.BindSignal(sid, sess, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}

// sendToUser delivers one event to every session of uid and reports how
// many sessions it reached.
func (ctl *SignalWSController) sendToUser(uid domain.UserID, event string, payload any) int {
	frame, err := core.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", event).Msg("encode")
		return 0
	}
	sent := 0
	for _, snap := range ctl.Registry.SessionsOf(uid) {
		if ctl.deliver(snap.SID, snap.Session.Signal(), frame) {
			sent++
		}
	}
	return sent
}

func (ctl *SignalWSController) broadcast(event string, payload any) {
	frame, err := core.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", event).Msg("encode")
		return
	}
	for _, s := range ctl.Registry.Online() {
		sess, ok := ctl.Registry.GetSession(s.SID)
		if !ok {
			continue
		}
		ctl.deliver(s.SID, sess.Signal(), frame)
	}
}

func (ctl *SignalWSController) deliver(sid core.SessionID, sc core.SignalConnection, frame core.Frame) bool {
	if sc == nil {
		return false
	}
	err := sc.TrySend(frame)
	ctl.mu.Lock()
	if err == nil {
		delete(ctl.drops, sid)
		ctl.mu.Unlock()
		return true
	}
	ctl.drops[sid]++
	n := ctl.drops[sid]
	ctl.mu.Unlock()

	if ctl.Policy == nil {
		return false
	}
	sess, _ := ctl.Registry.GetSession(sid)
	switch ctl.Policy.OnBackPressure(sess, n) {
	case app.KickMember:
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Int("drops", n).Msg("kicking slow session")
		ctl.Registry.Cancel(sid)
	case app.MarkSlow:
		log.Debug().Str("module", "signal").Str("sid", string(sid)).Int("drops", n).Msg("slow session")
	case app.DropFrame, app.NoAction:
	}
	return false
}

// Roster is the presence list the hub broadcasts: one entry per
// identified session, flagged when the user is in a call.
func (ctl *SignalWSController) Roster() []domain.PeerPresence {
	online := ctl.Registry.Online()
	out := make([]domain.PeerPresence, 0, len(online))
	for _, s := range online {
		out = append(out, domain.PeerPresence{
			ID:          s.User.ID,
			DisplayName: s.User.Username,
			IsInCall:    ctl.Calls.InCall(s.User.ID),
			ConnectedAt: s.ConnectedAt,
		})
	}
	return out
}

func (ctl *SignalWSController) broadcastRoster() {
	ctl.broadcast(core.EventOnlineUsers, ctl.Roster())
}

// disconnect drops sid. The user's call is ended for the peer only when
// this was the user's last session.
func (ctl *SignalWSController) disconnect(sid core.SessionID) {
	user, identified := ctl.Registry.UserOf(sid)
	ctl.Registry.Unbind(sid)
	ctl.mu.Lock()
	delete(ctl.drops, sid)
	delete(ctl.open, sid)
	ctl.mu.Unlock()
	if !identified {
		return
	}
	if len(ctl.Registry.SessionsOf(user.ID)) == 0 {
		if call, ok := ctl.Calls.OfUser(user.ID); ok {
			ctl.Calls.Remove(call.ID)
			ctl.sendToUser(call.Other(user.ID), core.EventCallEnded, core.CallEnd{
				CallID: call.ID,
				RoomID: call.Room,
				UserID: user.ID,
				Reason: domain.ReasonPeerLeft,
			})
			log.Info().Str("module", "signal").Str("call", string(call.ID)).Str("user", string(user.ID)).Msg("call ended by disconnect")
		}
	}
	ctl.broadcastRoster()
}
