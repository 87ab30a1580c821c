// Package orch ties a media room's membership to its peer connections and
// the SFU relays between them.
package orch

import (
	"sync"

	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/app/sfu"
	"github.com/dkeye/Duet/internal/core"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Relays   *sfu.RelayManager
	// Renegotiate is called when the peer connection of sid gained tracks
	// and needs a new offer.
	Renegotiate func(sid core.SessionID)

	mu    sync.Mutex
	drops map[core.SessionID]int
}

// OnFrame sends data to the room mates of sid and applies the backpressure
// policy to members that could not take it.
func (o *Orchestrator) OnFrame(sid core.SessionID, data core.Frame) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return
	}

	res := room.Broadcast(sid, data)
	o.mu.Lock()
	if o.drops == nil {
		o.drops = make(map[core.SessionID]int)
	}
	snaps := o.Registry.MembersOfRoom(roomID)
	counts := make(map[core.MemberSession]int, len(res.Dropped))
	for _, slow := range res.Dropped {
		for _, snap := range snaps {
			if snap.Session == slow {
				o.drops[snap.SID]++
				counts[slow] = o.drops[snap.SID]
			}
		}
	}
	for _, snap := range snaps {
		if _, dropped := counts[snap.Session]; !dropped && snap.SID != sid {
			delete(o.drops, snap.SID)
		}
	}
	o.mu.Unlock()

	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(slow, counts[slow]) {
		case app.KickMember:
			for _, snap := range snaps {
				if snap.Session == slow {
					log.Warn().Str("module", "orch").Str("sid", string(snap.SID)).Msg("kicking slow member")
					o.KickBySID(snap.SID)
				}
			}
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}
