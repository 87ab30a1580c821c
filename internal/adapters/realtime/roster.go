package realtime

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// rosterFilter suppresses roster flicker: entries are deduplicated by id,
// a roster identical to the last delivered one is dropped and, with a
// coalescing window, only the newest roster of a burst is delivered.
type rosterFilter struct {
	window  time.Duration
	deliver func(core.Envelope)

	mu      sync.Mutex
	last    []byte
	pending *core.Envelope
	timer   *time.Timer
	stopped bool
}

func newRosterFilter(window time.Duration, deliver func(core.Envelope)) *rosterFilter {
	return &rosterFilter{window: window, deliver: deliver}
}

func (f *rosterFilter) offer(env core.Envelope) {
	var list []domain.PeerPresence
	if err := json.Unmarshal(env.Data, &list); err != nil {
		return
	}
	data, err := json.Marshal(dedupe(list))
	if err != nil {
		return
	}
	env.Data = data

	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	if f.window <= 0 {
		if bytes.Equal(f.last, data) {
			f.mu.Unlock()
			return
		}
		f.last = data
		f.mu.Unlock()
		f.deliver(env)
		return
	}
	f.pending = &env
	if f.timer == nil {
		f.timer = time.AfterFunc(f.window, f.flush)
	}
	f.mu.Unlock()
}

func (f *rosterFilter) flush() {
	f.mu.Lock()
	env := f.pending
	f.pending = nil
	f.timer = nil
	if env == nil || f.stopped || bytes.Equal(f.last, env.Data) {
		f.mu.Unlock()
		return
	}
	f.last = env.Data
	f.mu.Unlock()
	f.deliver(*env)
}

// reset forgets the last delivered roster so the first roster after a
// reconnect always goes through.
func (f *rosterFilter) reset() {
	f.mu.Lock()
	f.last = nil
	f.mu.Unlock()
}

func (f *rosterFilter) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.pending = nil
}

// dedupe keeps one entry per id, the most recently connected one, in id
// order so that equal rosters encode identically.
func dedupe(list []domain.PeerPresence) []domain.PeerPresence {
	byID := make(map[domain.UserID]domain.PeerPresence, len(list))
	for _, p := range list {
		if p.ID == "" {
			continue
		}
		if prev, ok := byID[p.ID]; ok && !p.ConnectedAt.After(prev.ConnectedAt) {
			continue
		}
		byID[p.ID] = p
	}
	out := make([]domain.PeerPresence, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
