package call

import (
	"github.com/benbjohnson/clock"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// timers owned by the active session. Every field is guarded by Machine.mu.
type timers struct {
	ring     *clock.Timer
	connect  *clock.Timer
	ticker   *clock.Ticker
	tickStop chan struct{}
}

func (t *timers) stopRing() {
	if t.ring != nil {
		t.ring.Stop()
		t.ring = nil
	}
}

func (t *timers) stopConnect() {
	if t.connect != nil {
		t.connect.Stop()
		t.connect = nil
	}
}

func (t *timers) stopTicker() {
	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
	if t.tickStop != nil {
		close(t.tickStop)
		t.tickStop = nil
	}
}

func (t *timers) stopAll() {
	t.stopRing()
	t.stopConnect()
	t.stopTicker()
}

func (t *timers) active() bool {
	return t.ring != nil || t.connect != nil || t.ticker != nil
}

// armRing schedules the no-answer timeout for the ringing session.
func (m *Machine) armRing() {
	gen := m.gen
	m.timers.stopRing()
	m.timers.ring = m.clock.AfterFunc(m.cfg.RingTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen || m.sess == nil {
			return
		}
		m.timers.ring = nil
		switch m.sess.State {
		case domain.CallOutgoing:
			m.sendEnd(core.EventCallEnded, domain.ReasonNoAnswer)
			m.finishLocked(domain.CallEnded, domain.ReasonNoAnswer, domain.ErrSignalingTimeout)
		case domain.CallIncoming:
			m.rejectLocked(domain.ReasonNoAnswer)
			m.finishLocked(domain.CallEnded, domain.ReasonNoAnswer, domain.ErrSignalingTimeout)
		}
	})
}

// armConnect fails the call if the peer never shows up in the media room.
func (m *Machine) armConnect() {
	gen := m.gen
	m.timers.stopConnect()
	m.timers.connect = m.clock.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen || m.sess == nil || m.sess.State != domain.CallConnecting {
			return
		}
		m.timers.connect = nil
		m.sendEnd(core.EventCallFailed, domain.ReasonPeerUnreachable)
		m.finishLocked(domain.CallFailed, domain.ReasonPeerUnreachable, domain.ErrSignalingTimeout)
	})
}

// startTicker publishes the call duration once per tick interval.
func (m *Machine) startTicker() {
	m.timers.stopTicker()
	if m.onTick != nil {
		m.onTick(0)
	}
	t := m.clock.Ticker(m.cfg.TickInterval)
	stop := make(chan struct{})
	m.timers.ticker = t
	m.timers.tickStop = stop
	gen := m.gen
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				m.tick(gen)
			}
		}
	}()
}

func (m *Machine) tick(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.sess == nil || m.sess.State != domain.CallConnected {
		m.mu.Unlock()
		return
	}
	d := m.sess.Duration(m.clock.Now())
	fn := m.onTick
	m.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// TimersActive reports whether any session timer is still armed.
func (m *Machine) TimersActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers.active()
}
