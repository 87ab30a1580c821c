package core

import "github.com/dkeye/Duet/internal/domain"

// Media signaling message types on /api/ws/media. Messages are flat JSON
// objects keyed by "type".
const (
	MediaJoin         = "join"
	MediaLeave        = "leave"
	MediaLeft         = "left"
	MediaOffer        = "offer"
	MediaAnswer       = "answer"
	MediaCandidate    = "candidate"
	MediaMute         = "mute"
	MediaRoomState    = "room_state"
	MediaMemberJoined = "member_joined"
	MediaMemberLeft   = "member_left"
	MediaMemberMuted  = "member_muted"
	MediaPing         = "ping"
	MediaPong         = "pong"
	MediaError        = "error"
)

// Media error codes.
const (
	MediaErrBadPayload   = "bad_payload"
	MediaErrInvalidToken = "invalid_token"
	MediaErrRoomFull     = "room_full"
	MediaErrInRoom       = "already_in_room"
	MediaErrNotJoined    = "not_joined"
	MediaErrNegotiation  = "negotiation_failed"
)

// MediaMessage is the union of every media signaling message.
type MediaMessage struct {
	Type string `json:"type"`

	Room  domain.RoomID `json:"room,omitempty"`
	Token string        `json:"token,omitempty"`

	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	Kind  string `json:"kind,omitempty"`
	Muted bool   `json:"muted,omitempty"`

	User    *domain.User `json:"user,omitempty"`
	Members []MemberDTO  `json:"members,omitempty"`
	Count   int          `json:"count,omitempty"`

	Error string `json:"error,omitempty"`
}
