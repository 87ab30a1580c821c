package client

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Duet/internal/app/call"
	"github.com/rs/zerolog/log"
)

// LogRinger stands in for a ringtone: it logs once per period while a call
// rings.
type LogRinger struct {
	clock  clock.Clock
	period time.Duration

	mu    sync.Mutex
	stop  chan struct{}
	rings int
}

func NewLogRinger(clk clock.Clock, period time.Duration) *LogRinger {
	if clk == nil {
		clk = clock.New()
	}
	if period <= 0 {
		period = 2 * time.Second
	}
	return &LogRinger{clock: clk, period: period}
}

func (r *LogRinger) Start(kind call.RingKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		close(r.stop)
	}
	stop := make(chan struct{})
	r.stop = stop
	r.rings++
	ticker := r.clock.Ticker(r.period)
	name := "incoming"
	if kind == call.RingOutgoing {
		name = "outgoing"
	}
	log.Info().Str("module", "app.client").Str("ring", name).Msg("ringing")

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.mu.Lock()
				r.rings++
				r.mu.Unlock()
				log.Info().Str("module", "app.client").Str("ring", name).Msg("ringing")
			}
		}
	}()
}

func (r *LogRinger) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}

// Rings counts ring cycles since creation.
func (r *LogRinger) Rings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rings
}
