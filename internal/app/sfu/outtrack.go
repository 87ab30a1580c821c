package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// RTPWriter is the sink side of an outgoing track, usually a
// *webrtc.TrackLocalStaticRTP.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// OutTrack represents a single outgoing track to a subscriber.
type OutTrack struct {
	Track RTPWriter
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(track RTPWriter) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) Write(pkt *rtp.Packet) error {
	return ot.Track.WriteRTP(pkt)
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() { ot.set(TrackStateOk) }

func (ot *OutTrack) MarkMuted() { ot.set(TrackStateMuted) }

func (ot *OutTrack) set(s TrackState) {
	for {
		cur := ot.state.Load()
		if TrackState(cur) == TrackStateDelete {
			return
		}
		if ot.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// MarkDelete is final: a deleted track never comes back.
func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
