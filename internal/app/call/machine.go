// Package call implements the call signaling state machine.
//
// A Machine holds at most one CallSession. Every transition, including the
// synchronous media join it may trigger, runs under a single mutex, so
// inbound events, local actions, media callbacks and timers never
// interleave inside a transition.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MediaBridge is the part of the session bridge the machine drives.
type MediaBridge interface {
	Join(ctx context.Context, room domain.RoomID, self domain.User) error
	Leave(ctx context.Context) error
	PeerPresent() bool
	SetCameraEnabled(on bool) error
}

type RingKind int

const (
	RingOutgoing RingKind = iota
	RingIncoming
)

// Ringer plays ringtones. Stop must be safe to call when nothing rings.
type Ringer interface {
	Start(kind RingKind)
	Stop()
}

// Notification is the single user-facing outcome of a finished call.
type Notification struct {
	Call   domain.CallSession
	Reason domain.Reason
	Err    error
}

type Notifier interface {
	Notify(Notification)
}

// Recorder persists call history. Implementations must not block: the
// machine calls them while holding its lock.
type Recorder interface {
	CallCreated(rec domain.CallRecord)
	CallUpdated(id domain.CallID, status string, duration time.Duration)
}

type Config struct {
	RingTimeout     time.Duration `mapstructure:"ring_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
}

func DefaultConfig() Config {
	return Config{
		RingTimeout:     30 * time.Second,
		ConnectTimeout:  30 * time.Second,
		TeardownTimeout: 5 * time.Second,
		TickInterval:    time.Second,
	}
}

// withDefaults fills every unset duration from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RingTimeout <= 0 {
		c.RingTimeout = def.RingTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = def.TeardownTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	return c
}

type Machine struct {
	self   domain.User
	ch     core.Channel
	media  MediaBridge
	ring   Ringer
	notify Notifier
	rec    Recorder
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger

	onTick  func(time.Duration)
	onState func(domain.CallSession)

	mu      sync.Mutex
	sess    *domain.CallSession
	joining bool
	gen     uint64
	timers  timers
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option { return func(m *Machine) { m.clock = c } }
func WithRinger(r Ringer) Option     { return func(m *Machine) { m.ring = r } }
func WithNotifier(n Notifier) Option { return func(m *Machine) { m.notify = n } }
func WithRecorder(r Recorder) Option { return func(m *Machine) { m.rec = r } }
func WithConfig(cfg Config) Option   { return func(m *Machine) { m.cfg = cfg } }

func WithTickListener(fn func(time.Duration)) Option {
	return func(m *Machine) { m.onTick = fn }
}

// WithStateListener receives a copy of the session after every transition.
func WithStateListener(fn func(domain.CallSession)) Option {
	return func(m *Machine) { m.onState = fn }
}

func New(self domain.User, ch core.Channel, media MediaBridge, opts ...Option) *Machine {
	m := &Machine{
		self:   self,
		ch:     ch,
		media:  media,
		ring:   nopRinger{},
		rec:    nopRecorder{},
		clock:  clock.New(),
		cfg:    DefaultConfig(),
		logger: log.With().Str("module", "app.call").Str("self", string(self.ID)).Logger(),
	}
	m.notify = logNotifier{logger: m.logger}
	for _, o := range opts {
		o(m)
	}
	m.cfg = m.cfg.withDefaults()
	return m
}

// State returns the current state; Idle when no session exists.
func (m *Machine) State() domain.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return domain.CallIdle
	}
	return m.sess.State
}

// Current returns a copy of the active session.
func (m *Machine) Current() (domain.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return domain.CallSession{}, false
	}
	return *m.sess, true
}

// Duration is the connected time of the active call.
func (m *Machine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return 0
	}
	return m.sess.Duration(m.clock.Now())
}

// StartCall places an outgoing call to peer. It fails with
// domain.ErrInvalidState unless the machine is idle.
func (m *Machine) StartCall(peer domain.User, kind domain.CallType) (domain.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil {
		m.invalid("startCall")
		return domain.CallSession{}, domain.ErrInvalidState
	}
	if peer.ID == "" || peer.ID == m.self.ID {
		return domain.CallSession{}, errors.New("call: invalid peer")
	}
	if kind == "" {
		kind = domain.CallVideo
	}

	now := m.clock.Now()
	sess := &domain.CallSession{
		CallID:      domain.NewCallID(now),
		RoomID:      domain.NewRoomID(now),
		LocalUserID: m.self.ID,
		PeerID:      peer.ID,
		PeerName:    peer.Username,
		Role:        domain.RoleCaller,
		Type:        kind,
		State:       domain.CallOutgoing,
		StartedAt:   now,
	}
	offer := core.CallOffer{
		CallID:     sess.CallID,
		RoomID:     sess.RoomID,
		CallerID:   m.self.ID,
		CallerName: m.self.Username,
		CalleeID:   peer.ID,
		CalleeName: peer.Username,
		CallType:   kind,
	}
	if err := m.ch.Send(core.EventCallOffer, offer); err != nil {
		return domain.CallSession{}, err
	}

	m.sess = sess
	m.gen++
	m.ring.Start(RingOutgoing)
	m.armRing()
	m.rec.CallCreated(recordOf(sess, domain.CallRecordInitiated))
	m.logger.Info().Str("call", string(sess.CallID)).Str("peer", string(peer.ID)).Msg("calling")
	m.publish()
	return *sess, nil
}

// Accept answers the ringing incoming call and joins the media room.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.sess.State != domain.CallIncoming {
		m.invalid("accept")
		return domain.ErrInvalidState
	}
	m.ring.Stop()
	m.timers.stopRing()

	resp := core.CallResponse{
		CallID:     m.sess.CallID,
		RoomID:     m.sess.RoomID,
		Response:   core.ResponseAccepted,
		CallerID:   m.sess.PeerID,
		CalleeID:   m.self.ID,
		CalleeName: m.self.Username,
	}
	if err := m.ch.Send(core.EventCallResponse, resp); err != nil {
		m.finishLocked(domain.CallFailed, domain.ReasonTransportLost, err)
		return err
	}
	m.connectLocked(ctx)
	return nil
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State != domain.CallIncoming {
		m.invalid("reject")
		return domain.ErrInvalidState
	}
	m.rejectLocked(domain.ReasonDeclined)
	m.finishLocked(domain.CallEnded, domain.ReasonDeclined, nil)
	return nil
}

// End hangs up: cancels an outgoing call, declines an incoming one or
// ends a call in progress.
func (m *Machine) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		m.invalid("end")
		return domain.ErrInvalidState
	}
	switch m.sess.State {
	case domain.CallIncoming:
		m.rejectLocked(domain.ReasonDeclined)
		m.finishLocked(domain.CallEnded, domain.ReasonDeclined, nil)
	case domain.CallOutgoing:
		m.sendEnd(core.EventCallEnded, domain.ReasonCancelled)
		m.finishLocked(domain.CallEnded, domain.ReasonCancelled, nil)
	default:
		m.sendEnd(core.EventCallEnded, domain.ReasonHangup)
		m.finishLocked(domain.CallEnded, domain.ReasonHangup, nil)
	}
	return nil
}

// HandleOffer processes an inbound callOffer. An offer arriving while a
// call is active is answered busy and never touches the active session.
func (m *Machine) HandleOffer(o core.CallOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.CallID == "" || o.CallerID == "" || o.CallerID == m.self.ID {
		m.logger.Warn().Str("call", string(o.CallID)).Msg("malformed offer ignored")
		return
	}
	if m.sess != nil {
		if m.sess.CallID == o.CallID {
			return
		}
		m.logger.Info().Str("call", string(o.CallID)).Str("active", string(m.sess.CallID)).Msg("busy, rejecting offer")
		_ = m.ch.Send(core.EventCallResponse, core.CallResponse{
			CallID:   o.CallID,
			RoomID:   o.RoomID,
			Response: core.ResponseRejected,
			CallerID: o.CallerID,
			CalleeID: m.self.ID,
			Reason:   domain.ReasonBusy,
		})
		return
	}

	kind := o.CallType
	if kind == "" {
		kind = domain.CallVideo
	}
	m.sess = &domain.CallSession{
		CallID:      o.CallID,
		RoomID:      o.RoomID,
		LocalUserID: m.self.ID,
		PeerID:      o.CallerID,
		PeerName:    o.CallerName,
		Role:        domain.RoleCallee,
		Type:        kind,
		State:       domain.CallIncoming,
		StartedAt:   m.clock.Now(),
	}
	m.gen++
	m.ring.Start(RingIncoming)
	m.armRing()
	m.logger.Info().Str("call", string(o.CallID)).Str("peer", string(o.CallerID)).Msg("incoming call")
	m.publish()
}

// HandleResponse processes callResponse, callAccepted and callRejected.
func (m *Machine) HandleResponse(r core.CallResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.matches(r.CallID) {
		return
	}
	if m.sess.State != domain.CallOutgoing {
		m.invalid("response:" + r.Response)
		return
	}
	switch r.Response {
	case core.ResponseAccepted:
		m.ring.Stop()
		m.timers.stopRing()
		m.connectLocked(context.Background())
	case core.ResponseRejected:
		reason := r.Reason
		if reason == "" {
			reason = domain.ReasonDeclined
		}
		m.finishLocked(domain.CallEnded, reason, &domain.SignalingRejectedError{Reason: reason})
	default:
		m.logger.Warn().Str("response", r.Response).Msg("unknown call response")
	}
}

// HandleEnded processes a remote callEnded.
func (m *Machine) HandleEnded(e core.CallEnd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matches(e.CallID) {
		return
	}
	reason := e.Reason
	if reason == "" {
		reason = domain.ReasonHangup
		if m.sess.State == domain.CallIncoming {
			reason = domain.ReasonCancelled
		}
	}
	m.finishLocked(domain.CallEnded, reason, nil)
}

// HandleFailed processes a callFailed reported by the hub or the peer.
func (m *Machine) HandleFailed(e core.CallEnd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matches(e.CallID) {
		return
	}
	reason := e.Reason
	if reason == "" {
		reason = domain.ReasonPeerUnreachable
	}
	m.finishLocked(domain.CallFailed, reason, nil)
}

// HandleConnection reacts to realtime connectivity. Only an exhausted
// retry budget fails the call; transient drops are recovered below us.
func (m *Machine) HandleConnection(st core.ConnectionStatus) {
	if st.State != core.ConnFailed {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return
	}
	err := &domain.TransportError{Reason: st.Reason}
	m.finishLocked(domain.CallFailed, domain.ReasonTransportLost, err)
}

// OnPeerJoined is wired to the bridge listener.
func (m *Machine) OnPeerJoined(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State != domain.CallConnecting || u.ID != m.sess.PeerID {
		return
	}
	m.connectedLocked()
}

func (m *Machine) OnPeerLeft(id domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State != domain.CallConnected || id != m.sess.PeerID {
		return
	}
	m.finishLocked(domain.CallEnded, domain.ReasonPeerLeft, nil)
}

func (m *Machine) OnSessionError(err *domain.MediaSessionError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return
	}
	switch m.sess.State {
	case domain.CallConnecting, domain.CallConnected:
		m.sendEnd(core.EventCallFailed, domain.ReasonMediaSession)
		m.finishLocked(domain.CallFailed, domain.ReasonMediaSession, err)
	}
}

// connectLocked enters Connecting and performs the single media join.
func (m *Machine) connectLocked(ctx context.Context) {
	sess := m.sess
	sess.State = domain.CallConnecting
	m.joining = true
	m.armConnect()
	m.publish()

	if err := m.media.SetCameraEnabled(sess.Type == domain.CallVideo); err != nil {
		m.logger.Warn().Err(err).Msg("camera preference")
	}

	joinCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := m.media.Join(joinCtx, sess.RoomID, m.self); err != nil {
		reason, _ := domain.MediaReason(err)
		m.logger.Warn().Err(err).Str("reason", string(reason)).Msg("media join failed")
		m.sendEnd(core.EventCallFailed, domain.ReasonMediaSession)
		m.finishLocked(domain.CallFailed, domain.ReasonMediaSession, err)
		return
	}
	if m.media.PeerPresent() {
		m.connectedLocked()
	}
}

func (m *Machine) connectedLocked() {
	sess := m.sess
	sess.State = domain.CallConnected
	sess.ConnectedAt = m.clock.Now()
	m.timers.stopConnect()
	m.startTicker()
	m.rec.CallUpdated(sess.CallID, domain.CallRecordConnected, 0)
	m.logger.Info().Str("call", string(sess.CallID)).Msg("connected")
	m.publish()
}

// finishLocked enters a terminal state: ringtone and timers stop, the
// media session is torn down once, one notification is issued and the
// machine returns to Idle.
func (m *Machine) finishLocked(state domain.CallState, reason domain.Reason, err error) {
	sess := m.sess
	if sess == nil || sess.State.IsTerminal() {
		return
	}
	m.ring.Stop()
	m.timers.stopAll()
	m.gen++

	if m.joining {
		m.joining = false
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
		if lerr := m.media.Leave(ctx); lerr != nil {
			m.logger.Warn().Err(lerr).Msg("media teardown")
		}
		cancel()
	}

	duration := sess.Duration(m.clock.Now())
	sess.State = state
	sess.EndReason = reason
	m.rec.CallUpdated(sess.CallID, recordStatus(state, reason), duration)

	ev := m.logger.Info()
	if state == domain.CallFailed {
		ev = m.logger.Warn()
	}
	ev.Str("call", string(sess.CallID)).Str("state", state.String()).Str("reason", string(reason)).
		Dur("duration", duration).Err(err).Msg("call finished")

	m.publish()
	m.notify.Notify(Notification{Call: *sess, Reason: reason, Err: err})
	m.sess = nil
}

func (m *Machine) rejectLocked(reason domain.Reason) {
	err := m.ch.Send(core.EventCallResponse, core.CallResponse{
		CallID:   m.sess.CallID,
		RoomID:   m.sess.RoomID,
		Response: core.ResponseRejected,
		CallerID: m.sess.PeerID,
		CalleeID: m.self.ID,
		Reason:   reason,
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("send reject")
	}
}

func (m *Machine) sendEnd(event string, reason domain.Reason) {
	err := m.ch.Send(event, core.CallEnd{
		CallID: m.sess.CallID,
		RoomID: m.sess.RoomID,
		UserID: m.self.ID,
		Reason: reason,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("event", event).Msg("send")
	}
}

func (m *Machine) matches(id domain.CallID) bool {
	if m.sess == nil || m.sess.CallID != id {
		m.logger.Debug().Str("call", string(id)).Msg("event for unknown call ignored")
		return false
	}
	return true
}

func (m *Machine) invalid(op string) {
	state := domain.CallIdle
	if m.sess != nil {
		state = m.sess.State
	}
	m.logger.Warn().Str("op", op).Str("state", state.String()).Err(domain.ErrInvalidState).Msg("transition ignored")
}

func (m *Machine) publish() {
	if m.onState != nil && m.sess != nil {
		m.onState(*m.sess)
	}
}

func recordOf(s *domain.CallSession, status string) domain.CallRecord {
	rec := domain.CallRecord{
		CallID:    s.CallID,
		RoomID:    s.RoomID,
		Type:      s.Type,
		Status:    status,
		StartTime: s.StartedAt,
	}
	if s.Role == domain.RoleCaller {
		rec.CallerID, rec.CalleeID = s.LocalUserID, s.PeerID
	} else {
		rec.CallerID, rec.CalleeID = s.PeerID, s.LocalUserID
	}
	return rec
}

func recordStatus(state domain.CallState, reason domain.Reason) string {
	switch {
	case state == domain.CallFailed:
		return domain.CallRecordFailed
	case reason == domain.ReasonDeclined || reason == domain.ReasonBusy:
		return domain.CallRecordRejected
	}
	return domain.CallRecordEnded
}

type nopRinger struct{}

func (nopRinger) Start(RingKind) {}
func (nopRinger) Stop()          {}

type nopRecorder struct{}

func (nopRecorder) CallCreated(domain.CallRecord) {}

func (nopRecorder) CallUpdated(domain.CallID, string, time.Duration) {}

type logNotifier struct{ logger zerolog.Logger }

func (n logNotifier) Notify(nt Notification) {
	n.logger.Info().Str("call", string(nt.Call.CallID)).Str("reason", string(nt.Reason)).Err(nt.Err).Msg("call notification")
}
