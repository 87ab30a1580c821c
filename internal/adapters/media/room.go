package media

import (
	"errors"

	"github.com/dkeye/Duet/internal/core"
	"github.com/rs/zerolog/log"
)

// handleJoin verifies the room token, binds its user to the session and
// puts the session into the room.
func (ctl *MediaWSController) handleJoin(sid core.SessionID, c *wsMediaConn, msg core.MediaMessage) {
	if msg.Room == "" || ctl.Tokens == nil {
		ctl.sendError(c, core.MediaErrBadPayload)
		return
	}
	claims, err := ctl.Tokens.Verify(msg.Token)
	if err != nil || claims.Room != msg.Room {
		log.Warn().Err(err).Str("module", "media").Str("sid", string(sid)).Str("room", string(msg.Room)).Msg("join refused")
		ctl.sendError(c, core.MediaErrInvalidToken)
		return
	}
	user := claims.User()
	if current, _, ok := ctl.Orch.Registry.RoomOf(sid); ok && current != msg.Room {
		ctl.leaveRoom(sid)
	}
	ctl.Orch.Registry.Identify(sid, user)

	if err := ctl.Orch.Join(sid, msg.Room); err != nil {
		code := core.MediaErrNegotiation
		switch {
		case errors.Is(err, core.ErrRoomFull):
			code = core.MediaErrRoomFull
		case errors.Is(err, core.ErrAlreadyMember):
			code = core.MediaErrInRoom
		}
		log.Info().Err(err).Str("module", "media").Str("sid", string(sid)).Str("room", string(msg.Room)).Msg("join failed")
		ctl.sendError(c, code)
		return
	}

	room, ok := ctl.Orch.Rooms.GetRoom(msg.Room)
	if !ok {
		ctl.sendError(c, core.MediaErrNotJoined)
		return
	}
	members := room.MembersSnapshot()
	ctl.sendJSON(c, core.MediaMessage{
		Type:    core.MediaRoomState,
		Room:    msg.Room,
		Members: members,
		Count:   len(members),
	})
	ctl.broadcastFrom(sid, core.MediaMessage{Type: core.MediaMemberJoined, Room: msg.Room, User: &user})
	log.Info().Str("module", "media").Str("sid", string(sid)).Str("room", string(msg.Room)).Str("user", string(user.ID)).Msg("joined")
}

func (ctl *MediaWSController) handleLeave(sid core.SessionID, c *wsMediaConn) {
	ctl.leaveRoom(sid)
	ctl.sendJSON(c, core.MediaMessage{Type: core.MediaLeft})
}

// leaveRoom takes sid out of its room and tells the remaining members.
func (ctl *MediaWSController) leaveRoom(sid core.SessionID) {
	roomID, _, ok := ctl.Orch.Registry.RoomOf(sid)
	if !ok {
		return
	}
	user, _ := ctl.Orch.Registry.UserOf(sid)
	ctl.Orch.Leave(sid)
	ctl.resetNegotiation(sid)
	ctl.broadcastRoom(roomID, core.MediaMessage{Type: core.MediaMemberLeft, Room: roomID, User: &user})
	log.Info().Str("module", "media").Str("sid", string(sid)).Str("room", string(roomID)).Msg("left")
}
