// Package bridge owns the lifecycle of the media session behind a call.
//
// The call state machine only sees Join, Leave, the two device toggles and
// three callbacks. Everything that touches the media engine, including
// telling the local stream apart from the peer's, stays in here.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Listener receives media-session events. Callbacks run on a single
// bridge goroutine, in engine order, never while Join is holding the caller.
type Listener struct {
	OnPeerJoined   func(domain.User)
	OnPeerLeft     func(domain.UserID)
	OnSessionError func(*domain.MediaSessionError)
}

type Config struct {
	// JoinAttempts bounds engine opens per Join for retryable failures.
	JoinAttempts int `mapstructure:"join_attempts"`
}

func DefaultConfig() Config {
	return Config{JoinAttempts: 2}
}

type Bridge struct {
	cfg      Config
	engine   core.MediaEngine
	tokens   core.TokenSource
	selfView core.RenderTarget
	peerView core.RenderTarget
	logger   zerolog.Logger

	// op serialises Join and Leave so that at most one handle exists and
	// concurrent Leave calls tear it down once.
	op sync.Mutex

	mu       sync.Mutex
	listener Listener
	sess     core.MediaSession
	self     domain.User
	room     domain.RoomID
	events   *dispatcher
	peers    map[domain.UserID]domain.User
	routed   map[string]core.RenderTarget
	mic      bool
	camera   bool
}

type Option func(*Bridge)

func WithConfig(cfg Config) Option {
	return func(b *Bridge) { b.cfg = cfg }
}

func WithRenderTargets(self, peer core.RenderTarget) Option {
	return func(b *Bridge) {
		b.selfView = self
		b.peerView = peer
	}
}

func New(engine core.MediaEngine, tokens core.TokenSource, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:      DefaultConfig(),
		engine:   engine,
		tokens:   tokens,
		selfView: nopTarget{},
		peerView: nopTarget{},
		logger:   log.With().Str("module", "app.bridge").Logger(),
		peers:    make(map[domain.UserID]domain.User),
		routed:   make(map[string]core.RenderTarget),
		mic:      true,
		camera:   true,
	}
	for _, o := range opts {
		o(b)
	}
	if b.cfg.JoinAttempts <= 0 {
		b.cfg.JoinAttempts = DefaultConfig().JoinAttempts
	}
	return b
}

func (b *Bridge) SetListener(l Listener) {
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
}

// Join opens a media session for room. Any existing session is torn down
// first. Retryable failures are tried again up to JoinAttempts. On failure
// the bridge is left not joined and the returned error is a
// *domain.MediaSessionError.
func (b *Bridge) Join(ctx context.Context, room domain.RoomID, self domain.User) error {
	b.op.Lock()
	defer b.op.Unlock()

	if err := b.leaveLocked(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("teardown before join")
	}

	var err *domain.MediaSessionError
	for attempt := 1; attempt <= b.cfg.JoinAttempts; attempt++ {
		if err = b.open(ctx, room, self); err == nil {
			return nil
		}
		b.logger.Warn().Err(err).Int("attempt", attempt).Str("reason", string(err.Reason)).Msg("join failed")
		if !err.Reason.Retryable() || ctx.Err() != nil {
			break
		}
	}
	return err
}

func (b *Bridge) open(ctx context.Context, room domain.RoomID, self domain.User) *domain.MediaSessionError {
	token := ""
	if b.tokens != nil {
		t, err := b.tokens.RoomToken(ctx, room, self)
		if err != nil {
			return &domain.MediaSessionError{Reason: domain.MediaJoinFailed, Err: fmt.Errorf("room token: %w", err)}
		}
		token = t
	}

	b.mu.Lock()
	events := newDispatcher()
	b.events = events
	b.self = self
	b.room = room
	b.peers = make(map[domain.UserID]domain.User)
	req := core.JoinRequest{Room: room, Self: self, Token: token, Microphone: b.mic, Camera: b.camera}
	b.mu.Unlock()

	sess, err := b.engine.Open(ctx, req, core.MediaEvents{
		OnParticipant: func(e core.ParticipantEvent) { b.onParticipant(events, e) },
		OnStream:      func(e core.StreamEvent) { b.onStream(events, e) },
		OnError:       func(err error) { b.onError(events, err) },
	})
	if err != nil {
		b.rollback(events)
		var me *domain.MediaSessionError
		if errors.As(err, &me) {
			return me
		}
		return &domain.MediaSessionError{Reason: domain.MediaJoinFailed, Err: err}
	}

	b.mu.Lock()
	b.sess = sess
	for _, u := range sess.Participants() {
		if u.ID != self.ID {
			b.peers[u.ID] = u
		}
	}
	b.mu.Unlock()
	b.logger.Info().Str("room", string(room)).Int("peers", len(sess.Participants())).Msg("joined")
	return nil
}

// Leave tears the session down. Safe to call when not joined and from
// several goroutines; the engine sees at most one Close per session.
func (b *Bridge) Leave(ctx context.Context) error {
	b.op.Lock()
	defer b.op.Unlock()
	return b.leaveLocked(ctx)
}

func (b *Bridge) leaveLocked(ctx context.Context) error {
	b.mu.Lock()
	sess := b.sess
	events := b.events
	room := b.room
	b.sess = nil
	b.events = nil
	b.mu.Unlock()

	if events != nil {
		events.stop()
	}
	b.detachAll()
	if sess == nil {
		return nil
	}
	err := sess.Close(ctx)
	b.logger.Info().Str("room", string(room)).Err(err).Msg("left")
	return err
}

func (b *Bridge) rollback(events *dispatcher) {
	events.stop()
	b.mu.Lock()
	if b.events == events {
		b.events = nil
	}
	b.sess = nil
	b.peers = make(map[domain.UserID]domain.User)
	b.mu.Unlock()
	b.detachAll()
}

// Joined reports whether a media session is open.
func (b *Bridge) Joined() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess != nil
}

// PeerPresent reports whether a remote participant is in the room.
func (b *Bridge) PeerPresent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers) > 0
}

func (b *Bridge) SetMicrophoneEnabled(on bool) error {
	b.mu.Lock()
	b.mic = on
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.SetMicrophoneEnabled(on); err != nil {
		return &domain.MediaSessionError{Reason: classify(err), Err: err}
	}
	return nil
}

func (b *Bridge) SetCameraEnabled(on bool) error {
	b.mu.Lock()
	b.camera = on
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.SetCameraEnabled(on); err != nil {
		return &domain.MediaSessionError{Reason: classify(err), Err: err}
	}
	return nil
}

func (b *Bridge) current(events *dispatcher) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events == events && events != nil
}

func (b *Bridge) onParticipant(events *dispatcher, e core.ParticipantEvent) {
	if !b.current(events) {
		return
	}
	b.mu.Lock()
	if e.User.ID == b.self.ID {
		b.mu.Unlock()
		return
	}
	if e.Left {
		delete(b.peers, e.User.ID)
	} else {
		b.peers[e.User.ID] = e.User
	}
	l := b.listener
	b.mu.Unlock()

	events.push(func() {
		if e.Left {
			if l.OnPeerLeft != nil {
				l.OnPeerLeft(e.User.ID)
			}
			return
		}
		if l.OnPeerJoined != nil {
			l.OnPeerJoined(e.User)
		}
	})
}

func (b *Bridge) onError(events *dispatcher, err error) {
	if !b.current(events) {
		return
	}
	me := &domain.MediaSessionError{Reason: classify(err), Err: err}
	b.logger.Warn().Err(err).Str("reason", string(me.Reason)).Msg("session error")
	b.mu.Lock()
	l := b.listener
	b.mu.Unlock()
	events.push(func() {
		if l.OnSessionError != nil {
			l.OnSessionError(me)
		}
	})
}

func (b *Bridge) onStream(events *dispatcher, e core.StreamEvent) {
	if !b.current(events) {
		return
	}
	b.mu.Lock()
	if e.Removed {
		target, ok := b.routed[e.Stream.ID]
		delete(b.routed, e.Stream.ID)
		b.mu.Unlock()
		if ok {
			target.Detach(e.Stream.ID)
		}
		return
	}
	if _, ok := b.routed[e.Stream.ID]; ok {
		b.mu.Unlock()
		return
	}
	target := b.peerView
	if isLocal(e.Stream, b.self.ID) {
		target = b.selfView
	}
	b.routed[e.Stream.ID] = target
	b.mu.Unlock()
	target.Attach(e.Stream)
}

func (b *Bridge) detachAll() {
	b.mu.Lock()
	routed := b.routed
	b.routed = make(map[string]core.RenderTarget)
	b.mu.Unlock()
	for id, target := range routed {
		target.Detach(id)
	}
}

// isLocal decides which view a stream belongs to. Explicit origin wins,
// then ownership; the muted flag is only a last resort because local
// previews are muted to avoid echo while remote streams play audio.
func isLocal(s core.Stream, self domain.UserID) bool {
	switch s.Origin {
	case core.OriginLocal:
		return true
	case core.OriginRemote:
		return false
	}
	if s.Owner != "" {
		return s.Owner == self
	}
	return s.Muted
}

func classify(err error) domain.MediaErrorReason {
	if r, ok := domain.MediaReason(err); ok {
		return r
	}
	return domain.MediaRuntime
}

type nopTarget struct{}

func (nopTarget) Attach(core.Stream) {}
func (nopTarget) Detach(string)      {}
