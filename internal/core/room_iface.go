package core

import (
	"errors"

	"github.com/dkeye/Duet/internal/domain"
)

var (
	ErrRoomFull      = errors.New("room is full")
	ErrAlreadyMember = errors.New("user already in room")
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID         domain.UserID `json:"id"`
	Username   string        `json:"username"`
	AudioMuted bool          `json:"audioMuted,omitempty"`
	VideoMuted bool          `json:"videoMuted,omitempty"`
}

// RoomService is the core-facing API of a media room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO

	AddMember(sid SessionID, ms MemberSession) error
	RemoveMember(sid SessionID)
	Broadcast(from SessionID, data Frame) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}

type RoomManager interface {
	GetOrCreate(id domain.RoomID) RoomService
	GetRoom(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
