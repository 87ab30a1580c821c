package core

import (
	"context"

	"github.com/dkeye/Duet/internal/domain"
)

// StreamOrigin tells whether a stream was produced on this device.
type StreamOrigin int

const (
	OriginUnknown StreamOrigin = iota
	OriginLocal
	OriginRemote
)

// Stream is an engine-level media stream as seen by the client.
// Owner is empty when the engine cannot attribute the stream.
type Stream struct {
	ID     string
	Owner  domain.UserID
	Origin StreamOrigin
	Muted  bool
}

type StreamEvent struct {
	Stream  Stream
	Removed bool
}

type ParticipantEvent struct {
	User domain.User
	Left bool
}

// MediaEvents is registered when a session is opened so that no
// engine event can be lost between open and subscription.
type MediaEvents struct {
	OnParticipant func(ParticipantEvent)
	OnStream      func(StreamEvent)
	OnError       func(error)
}

type JoinRequest struct {
	Room       domain.RoomID
	Self       domain.User
	Token      string
	Microphone bool
	Camera     bool
}

// MediaSession is the handle to one joined room.
type MediaSession interface {
	// Participants lists the remote members present when the join completed.
	Participants() []domain.User
	SetMicrophoneEnabled(bool) error
	SetCameraEnabled(bool) error
	Close(ctx context.Context) error
}

// MediaEngine opens media sessions. Errors should be *domain.MediaSessionError
// so callers can tell permission, environment and runtime failures apart.
type MediaEngine interface {
	Open(ctx context.Context, req JoinRequest, ev MediaEvents) (MediaSession, error)
}

// TokenSource issues room tokens from a trusted backend.
type TokenSource interface {
	RoomToken(ctx context.Context, room domain.RoomID, self domain.User) (string, error)
}

// RenderTarget is a view that displays streams (self-view or peer-view).
type RenderTarget interface {
	Attach(Stream)
	Detach(streamID string)
}
