package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Duet/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Registry.Cancel(sid)
		c.Close()
		ctl.disconnect(sid)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			if err := c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait)); err != nil {
				return
			}
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				return
			}
			ctl.handleSignal(sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, c *WsSignalConn, data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "", "bad_json")
		return
	}

	switch env.Type {
	case core.EventPing:
		ctl.handlePing(c)
		return
	case core.EventInit:
		ctl.handleInit(sid, c, env.Data)
		return
	}

	if _, ok := ctl.Registry.UserOf(sid); !ok {
		ctl.sendError(c, env.Type, "not_identified")
		return
	}

	switch env.Type {
	case core.EventCallOffer:
		ctl.handleCallOffer(sid, c, env.Data)
	case core.EventCallResponse, core.EventCallAccepted, core.EventCallRejected:
		ctl.handleCallResponse(sid, c, env.Type, env.Data)
	case core.EventCallEnded, core.EventCallFailed:
		ctl.handleCallEnd(sid, c, env.Type, env.Data)
	case core.EventTyping:
		ctl.handleTyping(sid, c, env.Data)
	case core.EventSendMessage:
		ctl.handleSendMessage(sid, c, env.Data)
	case core.EventUpdateMessageStatus:
		ctl.handleMessageStatus(sid, c, env.Data)
	case core.EventJoinConversation:
		ctl.handleJoinConversation(sid, c, env.Data)
	case core.EventLeaveConversation:
		ctl.handleLeaveConversation(sid, c, env.Data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, env.Type, "unknown_event")
	}
}

func (ctl *SignalWSController) sendEvent(c core.SignalConnection, event string, payload any) {
	b, err := core.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendEvent marshal")
		return
	}
	_ = c.TrySend(b)
}
