package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// handleCallOffer registers the call and rings every session of the callee.
// The caller learns synchronously when the callee is offline or busy.
func (ctl *SignalWSController) handleCallOffer(
	sid core.SessionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.CallOffer
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad callOffer payload")
		ctl.sendError(conn, core.EventCallOffer, "bad_payload")
		return
	}
	me := ctl.self(sid)
	p.CallerID = me.ID
	p.CallerName = me.Username
	if p.CallID == "" || p.CalleeID == "" || p.CalleeID == me.ID {
		ctl.sendError(conn, core.EventCallOffer, "invalid_offer")
		return
	}
	if p.RoomID == "" {
		p.RoomID = domain.NewRoomID(ctl.now())
	}
	if p.CallType == "" {
		p.CallType = domain.CallVideo
	}
	if !ctl.Limiter.Allow(me.ID) {
		log.Warn().Str("module", "signal").Str("user", string(me.ID)).Msg("call offer rate limited")
		ctl.sendError(conn, core.EventCallOffer, "rate_limited")
		return
	}

	logger := log.With().Str("module", "signal").Str("call", string(p.CallID)).Str("caller", string(me.ID)).Str("callee", string(p.CalleeID)).Logger()

	if len(ctl.Registry.SessionsOf(p.CalleeID)) == 0 {
		logger.Info().Msg("callee offline")
		ctl.sendEvent(conn, core.EventCallFailed, core.CallEnd{
			CallID: p.CallID,
			RoomID: p.RoomID,
			UserID: p.CalleeID,
			Reason: domain.ReasonPeerUnreachable,
		})
		return
	}

	err := ctl.Calls.Add(app.ActiveCall{
		ID:     p.CallID,
		Room:   p.RoomID,
		Caller: me.ID,
		Callee: p.CalleeID,
		Type:   p.CallType,
		Since:  ctl.now(),
	})
	switch {
	case errors.Is(err, app.ErrUserBusy):
		logger.Info().Msg("callee busy")
		ctl.sendEvent(conn, core.EventCallRejected, core.CallResponse{
			CallID:   p.CallID,
			RoomID:   p.RoomID,
			Response: core.ResponseRejected,
			CallerID: me.ID,
			CalleeID: p.CalleeID,
			Reason:   domain.ReasonBusy,
		})
		return
	case err != nil:
		logger.Warn().Err(err).Msg("offer ignored")
		return
	}

	if ctl.sendToUser(p.CalleeID, core.EventCallOffer, p) == 0 {
		ctl.Calls.Remove(p.CallID)
		ctl.sendEvent(conn, core.EventCallFailed, core.CallEnd{
			CallID: p.CallID,
			RoomID: p.RoomID,
			UserID: p.CalleeID,
			Reason: domain.ReasonPeerUnreachable,
		})
		return
	}
	logger.Info().Str("room", string(p.RoomID)).Str("type", string(p.CallType)).Msg("call offer relayed")
	ctl.broadcastRoster()
}

// handleCallResponse relays the callee's answer to the caller. callAccepted
// and callRejected are shorthands for callResponse with a fixed response.
func (ctl *SignalWSController) handleCallResponse(
	sid core.SessionID,
	conn *WsSignalConn,
	event string,
	data []byte,
) {
	var p core.CallResponse
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad callResponse payload")
		ctl.sendError(conn, event, "bad_payload")
		return
	}
	switch event {
	case core.EventCallAccepted:
		p.Response = core.ResponseAccepted
	case core.EventCallRejected:
		p.Response = core.ResponseRejected
	}
	me := ctl.self(sid)
	call, ok := ctl.Calls.Get(p.CallID)
	if !ok || call.Callee != me.ID {
		// busy replies to offers the hub already turned down land here
		if p.Response == core.ResponseRejected {
			log.Debug().Str("module", "signal").Str("call", string(p.CallID)).Msg("reject for unknown call")
			return
		}
		ctl.sendError(conn, event, "unknown_call")
		return
	}
	p.RoomID = call.Room
	p.CallerID = call.Caller
	p.CalleeID = call.Callee
	p.CalleeName = me.Username

	if p.Response == core.ResponseAccepted {
		ctl.Calls.Accept(call.ID)
	} else {
		if p.Reason == "" {
			p.Reason = domain.ReasonDeclined
		}
		ctl.Calls.Remove(call.ID)
	}
	ctl.sendToUser(call.Caller, event, p)
	log.Info().Str("module", "signal").Str("call", string(call.ID)).Str("response", p.Response).Str("reason", string(p.Reason)).Msg("call response relayed")
	if p.Response != core.ResponseAccepted {
		ctl.broadcastRoster()
	}
}

// handleCallEnd relays callEnded or callFailed to the other party and
// forgets the call.
func (ctl *SignalWSController) handleCallEnd(
	sid core.SessionID,
	conn *WsSignalConn,
	event string,
	data []byte,
) {
	var p core.CallEnd
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad callEnd payload")
		ctl.sendError(conn, event, "bad_payload")
		return
	}
	me := ctl.self(sid)
	call, ok := ctl.Calls.Get(p.CallID)
	if !ok || (call.Caller != me.ID && call.Callee != me.ID) {
		log.Debug().Str("module", "signal").Str("call", string(p.CallID)).Str("event", event).Msg("end for unknown call")
		return
	}
	p.RoomID = call.Room
	p.UserID = me.ID
	ctl.Calls.Remove(call.ID)
	ctl.sendToUser(call.Other(me.ID), event, p)
	log.Info().Str("module", "signal").Str("call", string(call.ID)).Str("event", event).Str("reason", string(p.Reason)).Msg("call end relayed")
	ctl.broadcastRoster()
}
