package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	User        *domain.User
	Session     core.MemberSession
	Cancel      context.CancelFunc
	ConnectedAt time.Time
	Room        domain.RoomID
}

// Registry maps live connections to users and, for media connections, to
// the room they joined. One user may hold several sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	byUser   map[domain.UserID]map[core.SessionID]struct{}
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		byUser:   make(map[domain.UserID]map[core.SessionID]struct{}),
		now:      time.Now,
	}
}

func (r *Registry) BindSignal(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel, ConnectedAt: r.now()}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

// Identify attaches user to sid. Re-identifying with another user moves
// the session over. It reports false for an unknown session.
func (r *Registry) Identify(sid core.SessionID, user domain.User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	if e.User != nil {
		r.dropIndexLocked(e.User.ID, sid)
	}
	u := user
	e.User = &u
	if e.Session != nil {
		e.Session.Meta().User = &u
	}
	set, ok := r.byUser[u.ID]
	if !ok {
		set = make(map[core.SessionID]struct{})
		r.byUser[u.ID] = set
	}
	set[sid] = struct{}{}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(u.ID)).Msg("identified")
	return true
}

func (r *Registry) dropIndexLocked(uid domain.UserID, sid core.SessionID) {
	set := r.byUser[uid]
	delete(set, sid)
	if len(set) == 0 {
		delete(r.byUser, uid)
	}
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

// UserOf returns the identified user of sid.
func (r *Registry) UserOf(sid core.SessionID) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.User == nil {
		return domain.User{}, false
	}
	return *e.User, true
}

// SessionsOf lists the sessions bound to uid in a stable order.
func (r *Registry) SessionsOf(uid domain.UserID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.byUser[uid]))
	for sid := range r.byUser[uid] {
		out = append(out, regSnap{SID: sid, Session: r.sessions[sid].Session})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return
	}
	if e.User != nil {
		r.dropIndexLocked(e.User.ID, sid)
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok || entry.Room == "" {
		return "", nil, false
	}
	return entry.Room, entry.Session, true
}

func (r *Registry) UpdateRoom(sid core.SessionID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	entry.Room = room
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sid]; ok {
		entry.Room = ""
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed room association")
}

type regSnap struct {
	SID     core.SessionID
	Session core.MemberSession
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, domain.MaxRoomMembers)
	for sid, e := range r.sessions {
		if e.Room == room {
			out = append(out, regSnap{SID: sid, Session: e.Session})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// OnlineSession is one identified connection.
type OnlineSession struct {
	SID         core.SessionID
	User        domain.User
	ConnectedAt time.Time
}

// Online lists every identified session, ordered by connect time.
func (r *Registry) Online() []OnlineSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]OnlineSession, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.User == nil {
			continue
		}
		out = append(out, OnlineSession{SID: sid, User: *e.User, ConnectedAt: e.ConnectedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].SID < out[j].SID
	})
	return out
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
