package app

import "github.com/dkeye/Duet/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send buffer is full.
// consecutive counts the drops in a row for that member, starting at 1.
type Policy interface {
	OnBackPressure(member core.MemberSession, consecutive int) BackpressureAction
}

// SimplePolicy tolerates short stalls and kicks a member that keeps
// dropping frames.
type SimplePolicy struct {
	KickAfter int
}

func (p SimplePolicy) OnBackPressure(_ core.MemberSession, consecutive int) BackpressureAction {
	limit := p.KickAfter
	if limit <= 0 {
		limit = 3
	}
	if consecutive >= limit {
		return KickMember
	}
	return MarkSlow
}
