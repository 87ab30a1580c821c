package sfu

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// TrackKey names one published track: a member publishes at most one
// track per kind.
type TrackKey struct {
	SID  core.SessionID
	Kind webrtc.RTPCodecType
}

// Subscriber is the peer connection a relay writes into.
type Subscriber interface {
	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
}

type RelayManager struct {
	mu     sync.RWMutex
	relays map[TrackKey]*Relay

	// sub serialises Subscribe so a pair is never attached twice.
	sub sync.Mutex
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[TrackKey]*Relay),
	}
}

// StartRelay creates a new Relay for the given publisher track and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, sid core.SessionID, owner domain.UserID, track Source) {
	key := TrackKey{SID: sid, Kind: track.Kind()}
	logger := log.With().
		Str("module", "relay").
		Str("sid", string(sid)).
		Str("kind", key.Kind.String()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, owner, cancel)

	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay")
		relay.muted = old.muted
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[key] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
}

// Subscribe attaches dst to every relay published by src that dst does not
// receive yet. It returns the number of tracks added; a nonzero count
// means dst needs a renegotiation.
func (m *RelayManager) Subscribe(src, dst core.SessionID, pc Subscriber) (int, error) {
	m.sub.Lock()
	defer m.sub.Unlock()
	added := 0
	for _, relay := range m.relaysOf(src) {
		if ot, ok := relay.outTrack(dst); ok && ot.GetState() != TrackStateDelete {
			continue
		}
		codec := relay.Src.Codec().RTPCodecCapability
		local, err := webrtc.NewTrackLocalStaticRTP(codec, relay.Src.ID(), string(relay.Owner))
		if err != nil {
			return added, err
		}
		sender, err := pc.AddLocalTrack(local)
		if err != nil {
			return added, err
		}
		go drainRTCP(sender)
		relay.AddOutTrack(dst, NewOutTrack(local))
		added++
		log.Info().Str("module", "relay").Str("src", string(src)).Str("dst", string(dst)).Str("kind", relay.Src.Kind().String()).Msg("subscriber attached")
	}
	return added, nil
}

// drainRTCP reads incoming RTCP so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	if sender == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// MarkSubscriberDelete marks every OutTrack from srcSID to dstSID as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(srcSID, dstSID core.SessionID) {
	for _, relay := range m.relaysOf(srcSID) {
		if ot, ok := relay.outTrack(dstSID); ok {
			ot.MarkDelete()
		}
	}
}

// StopRelay stops every relay published by srcSID and removes them from the manager.
func (m *RelayManager) StopRelay(srcSID core.SessionID) {
	m.mu.Lock()
	var stopped []*Relay
	for key, relay := range m.relays {
		if key.SID == srcSID {
			stopped = append(stopped, relay)
			delete(m.relays, key)
		}
	}
	m.mu.Unlock()
	for _, relay := range stopped {
		relay.markAllDelete()
		if relay.cancel != nil {
			relay.cancel()
		}
	}
}

// SetMuted pauses or resumes forwarding of one published track. It
// reports false when the track is not published.
func (m *RelayManager) SetMuted(sid core.SessionID, kind webrtc.RTPCodecType, muted bool) bool {
	m.mu.RLock()
	relay, ok := m.relays[TrackKey{SID: sid, Kind: kind}]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.setMuted(muted)
	return true
}

// HasRelay reports whether sid publishes anything.
func (m *RelayManager) HasRelay(sid core.SessionID) bool {
	return len(m.relaysOf(sid)) > 0
}

// Published lists the tracks of sid, audio first.
func (m *RelayManager) Published(sid core.SessionID) []TrackKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TrackKey
	for key := range m.relays {
		if key.SID == sid {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (m *RelayManager) relaysOf(sid core.SessionID) []*Relay {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Relay
	for key, relay := range m.relays {
		if key.SID == sid {
			out = append(out, relay)
		}
	}
	return out
}
