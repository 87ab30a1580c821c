package media

import (
	"context"
	"sync"

	"github.com/dkeye/Duet/internal/adapters/rtc"
	"github.com/dkeye/Duet/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// negotiation tracks the offer/answer exchange of one session. Only one
// exchange runs at a time; a renegotiation requested meanwhile is replayed
// once the current one settles.
type negotiation struct {
	mu      sync.Mutex
	busy    bool
	pending bool
}

func (ctl *MediaWSController) negotiationOf(sid core.SessionID) *negotiation {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	n, ok := ctl.neg[sid]
	if !ok {
		n = &negotiation{}
		ctl.neg[sid] = n
	}
	return n
}

func (ctl *MediaWSController) resetNegotiation(sid core.SessionID) {
	ctl.mu.Lock()
	delete(ctl.neg, sid)
	ctl.mu.Unlock()
}

// begin reports whether the caller may start an exchange. Otherwise the
// request is remembered when queue is set.
func (n *negotiation) begin(queue bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.busy {
		if queue {
			n.pending = true
		}
		return false
	}
	n.busy = true
	return true
}

// settle ends the current exchange and reports whether another is due.
func (n *negotiation) settle() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.busy = false
	again := n.pending
	n.pending = false
	return again
}

// handleOffer answers a client offer. The first offer of a session creates
// its peer connection; later offers renegotiate it.
func (ctl *MediaWSController) handleOffer(ctx context.Context, sid core.SessionID, c *wsMediaConn, msg core.MediaMessage) {
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		return
	}
	n := ctl.negotiationOf(sid)
	if !n.begin(false) {
		log.Warn().Str("module", "media").Str("sid", string(sid)).Msg("offer while negotiating")
		ctl.sendError(c, core.MediaErrNegotiation)
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	mc := sess.Media()
	fresh := mc == nil
	if fresh {
		wc, err := rtc.NewWebRTCConnection(ctl.API, rtc.DefaultWebRTCConfig(ctl.cfg.ICEServers...), sid)
		if err != nil {
			log.Error().Err(err).Str("module", "media").Str("sid", string(sid)).Msg("NewWebRTCConnection")
			n.settle()
			ctl.sendError(c, core.MediaErrNegotiation)
			return
		}
		ctl.Orch.BindMediaHandlers(wc, sid)
		wc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
			ctl.sendCandidate(c, ci)
		})
		if err := wc.Start(ctx); err != nil {
			log.Error().Err(err).Str("module", "media").Msg("webrtc start failed")
			wc.Close()
			n.settle()
			ctl.sendError(c, core.MediaErrNegotiation)
			return
		}
		mc = wc
		sess.UpdateMedia(mc)
	}

	answer, err := mc.ApplyOffer(offer)
	if err != nil {
		log.Error().Err(err).Str("module", "media").Str("sid", string(sid)).Msg("ApplyOffer")
		if fresh {
			ctl.Orch.OnMediaDisconnect(sid)
		}
		n.settle()
		ctl.sendError(c, core.MediaErrNegotiation)
		return
	}
	ctl.sendJSON(c, core.MediaMessage{Type: core.MediaAnswer, SDP: answer.SDP})
	log.Info().Str("module", "media").Str("sid", string(sid)).Bool("fresh", fresh).Msg("answer sent")

	if fresh {
		ctl.Orch.OnMediaReady(sid)
	}
	if n.settle() {
		ctl.renegotiate(sid)
	}
}

// renegotiate sends a server offer to sid, typically after new relayed
// tracks were attached to its peer connection.
func (ctl *MediaWSController) renegotiate(sid core.SessionID) {
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		return
	}
	mc, sc := sess.Media(), sess.Signal()
	if mc == nil || sc == nil {
		return
	}
	n := ctl.negotiationOf(sid)
	if !n.begin(true) {
		return
	}
	offer, err := mc.CreateAndSetOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "media").Str("sid", string(sid)).Msg("CreateAndSetOffer")
		n.settle()
		return
	}
	ctl.sendJSON(sc, core.MediaMessage{Type: core.MediaOffer, SDP: offer.SDP})
	log.Debug().Str("module", "media").Str("sid", string(sid)).Msg("renegotiation offer sent")
}

func (ctl *MediaWSController) handleAnswer(sid core.SessionID, c *wsMediaConn, msg core.MediaMessage) {
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok || sess.Media() == nil {
		return
	}
	err := sess.Media().ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP})
	if err != nil {
		log.Error().Err(err).Str("module", "media").Str("sid", string(sid)).Msg("ApplyAnswer")
		ctl.sendError(c, core.MediaErrNegotiation)
	}
	if ctl.negotiationOf(sid).settle() {
		ctl.renegotiate(sid)
	}
}

func (ctl *MediaWSController) handleCandidate(sid core.SessionID, msg core.MediaMessage) {
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok || sess.Media() == nil || msg.Candidate == "" {
		return
	}
	ci := webrtc.ICECandidateInit{
		Candidate:     msg.Candidate,
		SDPMLineIndex: msg.SDPMLineIndex,
	}
	if msg.SDPMid != "" {
		mid := msg.SDPMid
		ci.SDPMid = &mid
	}
	if err := sess.Media().AddICECandidate(ci); err != nil {
		log.Error().Err(err).Str("module", "media").Str("sid", string(sid)).Msg("AddICECandidate")
	}
}

func (ctl *MediaWSController) sendCandidate(c core.SignalConnection, ci webrtc.ICECandidateInit) {
	msg := core.MediaMessage{
		Type:          core.MediaCandidate,
		Candidate:     ci.Candidate,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
	if ci.SDPMid != nil {
		msg.SDPMid = *ci.SDPMid
	}
	ctl.sendJSON(c, msg)
}

// handleMute toggles forwarding of one published kind and tells the room.
func (ctl *MediaWSController) handleMute(sid core.SessionID, c *wsMediaConn, msg core.MediaMessage) {
	var kind webrtc.RTPCodecType
	switch msg.Kind {
	case "audio":
		kind = webrtc.RTPCodecTypeAudio
	case "video":
		kind = webrtc.RTPCodecTypeVideo
	default:
		ctl.sendError(c, core.MediaErrBadPayload)
		return
	}
	if !ctl.Orch.SetMuted(sid, kind, msg.Muted) {
		return
	}
	user, _ := ctl.Orch.Registry.UserOf(sid)
	ctl.broadcastFrom(sid, core.MediaMessage{
		Type:  core.MediaMemberMuted,
		User:  &user,
		Kind:  msg.Kind,
		Muted: msg.Muted,
	})
}
