package domain

import "time"

type CallID string

type CallState int

const (
	CallIdle CallState = iota
	CallOutgoing
	CallIncoming
	CallConnecting
	CallConnected
	CallEnded
	CallFailed
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallOutgoing:
		return "outgoing"
	case CallIncoming:
		return "incoming"
	case CallConnecting:
		return "connecting"
	case CallConnected:
		return "connected"
	case CallEnded:
		return "ended"
	case CallFailed:
		return "failed"
	}
	return "unknown"
}

// IsTerminal reports whether no further transition may leave s.
func (s CallState) IsTerminal() bool {
	return s == CallEnded || s == CallFailed
}

type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

type CallType string

const (
	CallVideo CallType = "video"
	CallAudio CallType = "audio"
)

// Reason values travel on the wire in callRejected, callEnded and
// callFailed payloads.
type Reason string

const (
	ReasonDeclined  Reason = "declined"
	ReasonBusy      Reason = "busy"
	ReasonNoAnswer  Reason = "no-answer"
	ReasonHangup    Reason = "ended_by_user"
	ReasonPeerLeft  Reason = "peer-left"
	ReasonCancelled Reason = "cancelled"

	ReasonPeerUnreachable Reason = "peer-unreachable"
	ReasonMediaSession    Reason = "media-session-error"
	ReasonTransportLost   Reason = "transport-lost"
)

// CallSession is the single call attempt a client may hold.
type CallSession struct {
	CallID      CallID    `json:"callId"`
	RoomID      RoomID    `json:"roomId"`
	LocalUserID UserID    `json:"localUserId"`
	PeerID      UserID    `json:"peerId"`
	PeerName    string    `json:"peerName"`
	Role        CallRole  `json:"role"`
	Type        CallType  `json:"callType"`
	State       CallState `json:"state"`
	StartedAt   time.Time `json:"startedAt"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	EndReason   Reason    `json:"endReason,omitempty"`
}

// Duration is the connected time of the call measured at now.
func (c CallSession) Duration(now time.Time) time.Duration {
	if c.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(c.ConnectedAt).Truncate(time.Second)
}
