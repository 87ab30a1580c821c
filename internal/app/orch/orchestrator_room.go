package orch

import (
	"errors"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrUnknownSession = errors.New("unknown session")

// Join puts sid into room, leaving any other room first. A full room
// leaves sid outside any room.
func (o *Orchestrator) Join(sid core.SessionID, roomID domain.RoomID) error {
	current, _, ok := o.Registry.RoomOf(sid)
	if ok && current == roomID {
		return nil
	}
	if ok {
		o.KickBySID(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(current)).Msg("kicked from room")
	}
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrUnknownSession
	}
	room := o.Rooms.GetOrCreate(roomID)
	if err := room.AddMember(sid, session); err != nil {
		if room.MemberCount() == 0 {
			o.Rooms.StopRoom(roomID)
		}
		return err
	}
	o.Registry.UpdateRoom(sid, roomID)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomID)).Msg("added to room")
	o.OnMediaReady(sid)
	return nil
}

// Leave takes sid out of its room and closes its media.
func (o *Orchestrator) Leave(sid core.SessionID) {
	o.KickBySID(sid)
}

func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.cleanupMedia(sid)
	o.cleanupMembership(sid)
	o.mu.Lock()
	delete(o.drops, sid)
	o.mu.Unlock()
}

func (o *Orchestrator) cleanupMembership(sid core.SessionID) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(sid)
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return
	}
	room.RemoveMember(sid)
	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(roomID)
	}
}

func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	for _, snap := range o.Registry.MembersOfRoom(id) {
		o.KickBySID(snap.SID)
	}
	o.Rooms.StopRoom(id)
}
