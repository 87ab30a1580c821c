package signal

import (
	"encoding/json"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// handleInit binds the announced identity to the session and pushes the
// new roster to everyone.
func (ctl *SignalWSController) handleInit(
	sid core.SessionID,
	conn *WsSignalConn,
	data []byte,
) {
	var p core.InitPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad init payload")
		ctl.sendError(conn, core.EventInit, "bad_payload")
		return
	}
	user, err := domain.NewUser(p.UserID, p.UserName)
	if err != nil {
		ctl.sendError(conn, core.EventInit, err.Error())
		return
	}
	if !ctl.Registry.Identify(sid, *user) {
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("user", string(user.ID)).Str("name", user.Username).Msg("init")
	ctl.broadcastRoster()
}

func (ctl *SignalWSController) self(sid core.SessionID) domain.User {
	u, _ := ctl.Registry.UserOf(sid)
	return u
}
