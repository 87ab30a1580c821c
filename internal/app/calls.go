package app

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrUserBusy      = errors.New("user already in a call")
	ErrDuplicateCall = errors.New("call id already registered")
)

// ActiveCall is the hub's view of one call between two users.
type ActiveCall struct {
	ID       domain.CallID
	Room     domain.RoomID
	Caller   domain.UserID
	Callee   domain.UserID
	Type     domain.CallType
	Accepted bool
	Since    time.Time
}

// Other returns the party of the call that is not uid.
func (c ActiveCall) Other(uid domain.UserID) domain.UserID {
	if uid == c.Caller {
		return c.Callee
	}
	return c.Caller
}

// CallDirectory tracks ringing and accepted calls so the hub can route
// responses and flag busy users. A user is in at most one call.
type CallDirectory struct {
	mu     sync.RWMutex
	calls  map[domain.CallID]*ActiveCall
	byUser map[domain.UserID]domain.CallID
}

func NewCallDirectory() *CallDirectory {
	return &CallDirectory{
		calls:  make(map[domain.CallID]*ActiveCall),
		byUser: make(map[domain.UserID]domain.CallID),
	}
}

func (d *CallDirectory) Add(c ActiveCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.calls[c.ID]; ok {
		return ErrDuplicateCall
	}
	if _, ok := d.byUser[c.Caller]; ok {
		return ErrUserBusy
	}
	if _, ok := d.byUser[c.Callee]; ok {
		return ErrUserBusy
	}
	d.calls[c.ID] = &c
	d.byUser[c.Caller] = c.ID
	d.byUser[c.Callee] = c.ID
	log.Info().Str("module", "app.calls").Str("call", string(c.ID)).Str("caller", string(c.Caller)).Str("callee", string(c.Callee)).Msg("call registered")
	return nil
}

func (d *CallDirectory) Get(id domain.CallID) (ActiveCall, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.calls[id]
	if !ok {
		return ActiveCall{}, false
	}
	return *c, true
}

func (d *CallDirectory) Accept(id domain.CallID) (ActiveCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.calls[id]
	if !ok {
		return ActiveCall{}, false
	}
	c.Accepted = true
	return *c, true
}

func (d *CallDirectory) Remove(id domain.CallID) (ActiveCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.calls[id]
	if !ok {
		return ActiveCall{}, false
	}
	delete(d.calls, id)
	if d.byUser[c.Caller] == id {
		delete(d.byUser, c.Caller)
	}
	if d.byUser[c.Callee] == id {
		delete(d.byUser, c.Callee)
	}
	log.Info().Str("module", "app.calls").Str("call", string(id)).Msg("call removed")
	return *c, true
}

func (d *CallDirectory) OfUser(uid domain.UserID) (ActiveCall, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byUser[uid]
	if !ok {
		return ActiveCall{}, false
	}
	return *d.calls[id], true
}

func (d *CallDirectory) InCall(uid domain.UserID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byUser[uid]
	return ok
}

func (d *CallDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.calls)
}
