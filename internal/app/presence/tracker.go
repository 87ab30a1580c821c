// Package presence keeps the local view of which peers are online.
//
// Every roster broadcast is authoritative: the working set is replaced,
// never patched, so a missed broadcast heals on the next one.
package presence

import (
	"sort"
	"sync"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Event is published to subscribers after each applied roster.
type Event struct {
	Online []domain.PeerPresence
	Joined []domain.UserID
	Left   []domain.UserID
}

type Tracker struct {
	self domain.UserID

	mu        sync.RWMutex
	peers     map[domain.UserID]domain.PeerPresence
	listeners []chan Event
}

func NewTracker(self domain.UserID) *Tracker {
	return &Tracker{
		self:  self,
		peers: make(map[domain.UserID]domain.PeerPresence),
	}
}

// OnRosterUpdate replaces the online set with list. Self and empty ids are
// dropped; duplicate ids collapse to the most recently connected entry.
func (t *Tracker) OnRosterUpdate(list []domain.PeerPresence) {
	next := Normalize(t.self, list)

	t.mu.Lock()
	evt := Event{}
	for id := range next {
		if _, ok := t.peers[id]; !ok {
			evt.Joined = append(evt.Joined, id)
		}
	}
	for id := range t.peers {
		if _, ok := next[id]; !ok {
			evt.Left = append(evt.Left, id)
		}
	}
	t.peers = next
	evt.Online = sortedLocked(t.peers)
	sortIDs(evt.Joined)
	sortIDs(evt.Left)
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	t.mu.Unlock()

	log.Debug().Str("module", "app.presence").Int("online", len(evt.Online)).Int("joined", len(evt.Joined)).Int("left", len(evt.Left)).Msg("roster applied")
}

func (t *Tracker) IsOnline(id domain.UserID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[id]
	return ok
}

func (t *Tracker) Get(id domain.UserID) (domain.PeerPresence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// ListOthers returns every online peer except self, ordered by display
// name then id.
func (t *Tracker) ListOthers() []domain.PeerPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedLocked(t.peers)
}

// Subscribe returns a channel receiving one Event per applied roster.
// Slow subscribers miss events rather than block the tracker.
func (t *Tracker) Subscribe() (ch <-chan Event, cancel func()) {
	c := make(chan Event, 16)
	t.mu.Lock()
	t.listeners = append(t.listeners, c)
	t.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, l := range t.listeners {
				if l == c {
					t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
					close(c)
					return
				}
			}
		})
	}
	return c, cancel
}

// Normalize turns a raw roster into the working-set form: self and empty ids
// removed, one entry per id.
func Normalize(self domain.UserID, list []domain.PeerPresence) map[domain.UserID]domain.PeerPresence {
	out := make(map[domain.UserID]domain.PeerPresence, len(list))
	for _, p := range list {
		if p.ID == "" || p.ID == self {
			continue
		}
		if prev, ok := out[p.ID]; ok && !p.ConnectedAt.After(prev.ConnectedAt) {
			continue
		}
		out[p.ID] = p
	}
	return out
}

func sortedLocked(peers map[domain.UserID]domain.PeerPresence) []domain.PeerPresence {
	out := make([]domain.PeerPresence, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortIDs(ids []domain.UserID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
