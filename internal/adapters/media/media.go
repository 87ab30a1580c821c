// Package media is the websocket signaling endpoint of the SFU: room join
// with a signed token, offer/answer/ICE exchange and member notifications.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/app/orch"
	"github.com/dkeye/Duet/internal/app/token"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

type TokenVerifier interface {
	Verify(tok string) (token.Claims, error)
}

type Config struct {
	SendBuffer int           `mapstructure:"send_buffer"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	ICEServers []string      `mapstructure:"ice_servers"`
}

func DefaultConfig() Config {
	return Config{
		SendBuffer: 64,
		ReadLimit:  1 << 20,
		PongWait:   60 * time.Second,
		WriteWait:  5 * time.Second,
	}
}

type MediaWSController struct {
	Orch   *orch.Orchestrator
	Tokens TokenVerifier
	API    *webrtc.API

	cfg Config

	mu  sync.Mutex
	neg map[core.SessionID]*negotiation
}

func NewMediaWSController(cfg Config, o *orch.Orchestrator, tokens TokenVerifier, api *webrtc.API) *MediaWSController {
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
	ctl := &MediaWSController{
		Orch:   o,
		Tokens: tokens,
		API:    api,
		cfg:    cfg,
		neg:    make(map[core.SessionID]*negotiation),
	}
	o.Renegotiate = ctl.renegotiate
	return ctl
}

type wsMediaConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsMediaConn) TrySend(f core.Frame) error {
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

func (c *wsMediaConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *MediaWSController) HandleMedia(ctx context.Context, c *gin.Context) {
	sid := core.SessionID("media:" + c.GetString("client_token") + ":" + uuid.NewString())
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)
	log.Info().Str("module", "media").Str("sid", string(sid)).Msg("new media connection")

	conn := &wsMediaConn{conn: ws, send: make(chan core.Frame, ctl.cfg.SendBuffer)}
	sess := core.NewMemberSession(domain.NewMember(nil)).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, sess, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}

func (ctl *MediaWSController) writePump(ctx context.Context, c *wsMediaConn) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "media").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "media").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *MediaWSController) readPump(ctx context.Context, sid core.SessionID, c *wsMediaConn) {
	defer func() {
		log.Info().Str("module", "media").Str("sid", string(sid)).Msg("readPump closing")
		ctl.leaveRoom(sid)
		ctl.Orch.Registry.Cancel(sid)
		ctl.Orch.Registry.Unbind(sid)
		ctl.mu.Lock()
		delete(ctl.neg, sid)
		ctl.mu.Unlock()
		c.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait)); err != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "media").Str("sid", string(sid)).Msg("readPump read error")
			return
		}
		ctl.handleMessage(ctx, sid, c, data)
	}
}

func (ctl *MediaWSController) handleMessage(ctx context.Context, sid core.SessionID, c *wsMediaConn, data []byte) {
	var msg core.MediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("bad json")
		ctl.sendError(c, core.MediaErrBadPayload)
		return
	}

	switch msg.Type {
	case core.MediaPing:
		ctl.sendJSON(c, core.MediaMessage{Type: core.MediaPong})
		return
	case core.MediaJoin:
		ctl.handleJoin(sid, c, msg)
		return
	}

	if _, _, ok := ctl.Orch.Registry.RoomOf(sid); !ok {
		ctl.sendError(c, core.MediaErrNotJoined)
		return
	}

	switch msg.Type {
	case core.MediaLeave:
		ctl.handleLeave(sid, c)
	case core.MediaOffer:
		ctl.handleOffer(ctx, sid, c, msg)
	case core.MediaAnswer:
		ctl.handleAnswer(sid, c, msg)
	case core.MediaCandidate:
		ctl.handleCandidate(sid, msg)
	case core.MediaMute:
		ctl.handleMute(sid, c, msg)
	default:
		log.Warn().Str("module", "media").Str("type", msg.Type).Msg("unknown media message")
	}
}

func (ctl *MediaWSController) sendJSON(c core.SignalConnection, v core.MediaMessage) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *MediaWSController) sendError(c core.SignalConnection, code string) {
	ctl.sendJSON(c, core.MediaMessage{Type: core.MediaError, Error: code})
}

// broadcastRoom notifies every member of room.
func (ctl *MediaWSController) broadcastRoom(room domain.RoomID, v core.MediaMessage) {
	for _, snap := range ctl.Orch.Registry.MembersOfRoom(room) {
		if sc := snap.Session.Signal(); sc != nil {
			ctl.sendJSON(sc, v)
		}
	}
}

// broadcastFrom notifies the room mates of sid through the orchestrator,
// so slow members fall under the backpressure policy.
func (ctl *MediaWSController) broadcastFrom(sid core.SessionID, v core.MediaMessage) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctl.Orch.OnFrame(sid, b)
}
