package orch

import (
	"context"

	"github.com/dkeye/Duet/internal/app/sfu"
	"github.com/dkeye/Duet/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, sid core.SessionID) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, sid, track)
	})
	mc.OnClosed(func() { o.OnMediaDisconnect(sid) })
}

func (o *Orchestrator) OnMediaDisconnect(sid core.SessionID) {
	o.cleanupMedia(sid)
}

// cleanupMedia stops what sid publishes and what it receives, then closes
// its peer connection.
func (o *Orchestrator) cleanupMedia(sid core.SessionID) {
	if o.Relays != nil {
		o.Relays.StopRelay(sid)

		roomID, _, ok := o.Registry.RoomOf(sid)
		if ok {
			for _, snap := range o.Registry.MembersOfRoom(roomID) {
				o.Relays.MarkSubscriberDelete(snap.SID, sid)
			}
		}
	}

	if sess, ok := o.Registry.GetSession(sid); ok {
		if mc := sess.Media(); mc != nil {
			sess.UpdateMedia(nil)
			mc.Close()
		}
	}
}

// OnTrack is called when a new remote media track appears for a given session.
func (o *Orchestrator) OnTrack(ctx context.Context, sid core.SessionID, track sfu.Source) {
	if o.Relays == nil {
		return
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Media() == nil {
		return
	}
	owner, _ := o.Registry.UserOf(sid)
	o.Relays.StartRelay(ctx, sid, owner.ID, track)
	if sess.Meta().Muted(track.Kind().String()) {
		o.Relays.SetMuted(sid, track.Kind(), true)
	}

	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		log.Info().
			Str("module", "orch").
			Str("sid", string(sid)).
			Msg("OnTrack: no room for sid")
		return
	}

	// Subscribe the other member of the room to this publisher.
	for _, snap := range o.Registry.MembersOfRoom(roomID) {
		if snap.SID == sid {
			continue
		}
		pc := snap.Session.Media()
		if pc == nil {
			continue
		}
		o.subscribe(sid, snap.SID, pc)
	}
}

// OnMediaReady is called when MediaConnection is attached to the session (offer/answer done).
// It subscribes this member to every relay already running in the room.
func (o *Orchestrator) OnMediaReady(sid core.SessionID) {
	if o.Relays == nil {
		return
	}
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	mc := sess.Media()
	if mc == nil {
		return
	}

	for _, snap := range o.Registry.MembersOfRoom(roomID) {
		if snap.SID == sid {
			continue
		}
		o.subscribe(snap.SID, sid, mc)
	}
}

func (o *Orchestrator) subscribe(src, dst core.SessionID, pc core.MediaConnection) {
	n, err := o.Relays.Subscribe(src, dst, pc)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("src", string(src)).Str("dst", string(dst)).Msg("subscribe")
	}
	if n > 0 && o.Renegotiate != nil {
		o.Renegotiate(dst)
	}
}

// SetMuted records the mute flag of sid and pauses or resumes forwarding
// of its track of kind.
func (o *Orchestrator) SetMuted(sid core.SessionID, kind webrtc.RTPCodecType, muted bool) bool {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return false
	}
	if !sess.Meta().SetMuted(kind.String(), muted) {
		return false
	}
	if o.Relays == nil {
		return true
	}
	o.Relays.SetMuted(sid, kind, muted)
	return true
}
