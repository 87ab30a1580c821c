package signal

import "github.com/dkeye/Duet/internal/core"

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	ctl.sendEvent(conn, core.EventPong, nil)
}

func (ctl *SignalWSController) sendError(conn *WsSignalConn, event, msg string) {
	ctl.sendEvent(conn, core.EventError, core.ErrorPayload{Error: msg, Event: event})
}
