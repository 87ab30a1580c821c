package domain

import "sync/atomic"

// Member is a user's seat in a media room and the tracks they hold back.
// No transport or lifecycle logic here.
type Member struct {
	User *User

	audioMuted atomic.Bool
	videoMuted atomic.Bool
}

func NewMember(user *User) *Member {
	return &Member{User: user}
}

// SetMuted records whether kind ("audio" or "video") is held back and
// reports whether kind is known.
func (m *Member) SetMuted(kind string, muted bool) bool {
	switch kind {
	case "audio":
		m.audioMuted.Store(muted)
	case "video":
		m.videoMuted.Store(muted)
	default:
		return false
	}
	return true
}

func (m *Member) Muted(kind string) bool {
	switch kind {
	case "audio":
		return m.audioMuted.Load()
	case "video":
		return m.videoMuted.Load()
	}
	return false
}
