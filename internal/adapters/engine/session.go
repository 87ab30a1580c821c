package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Duet/internal/adapters/rtc"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Session phases. Join and offer replies are only routed to a waiter in
// their own phase.
const (
	phaseJoining int32 = iota
	phaseNegotiating
	phaseOpen
)

type session struct {
	engine *Engine
	req    core.JoinRequest
	ev     core.MediaEvents
	logger zerolog.Logger

	ws  *websocket.Conn
	wmu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	joined  chan core.MediaMessage
	answers chan core.MediaMessage
	done    chan struct{}

	pc           *rtc.WebRTCConnection
	audio, video localSource
	participants []domain.User

	mu      sync.Mutex
	remote  map[string]domain.UserID
	muted   map[domain.UserID]map[string]bool
	pending []webrtc.ICECandidateInit

	// remoteReady is set once the first answer is applied.
	remoteReady bool

	phase        atomic.Int32
	closing      atomic.Bool
	closeOnce    sync.Once
	teardownOnce sync.Once
}

func newSession(e *Engine, req core.JoinRequest, ev core.MediaEvents, ws *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		engine:  e,
		req:     req,
		ev:      ev,
		logger:  log.With().Str("module", "engine").Str("room", string(req.Room)).Str("user", string(req.Self.ID)).Logger(),
		ws:      ws,
		ctx:     ctx,
		cancel:  cancel,
		joined:  make(chan core.MediaMessage, 1),
		answers: make(chan core.MediaMessage, 1),
		done:    make(chan struct{}),
		remote:  make(map[string]domain.UserID),
		muted:   make(map[domain.UserID]map[string]bool),
	}
}

func (s *session) write(msg core.MediaMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, b)
}

func (s *session) join(ctx context.Context) error {
	if err := s.write(core.MediaMessage{Type: core.MediaJoin, Room: s.req.Room, Token: s.req.Token}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	msg, err := s.engine.await(ctx, s.joined, s.done)
	if err != nil {
		return err
	}
	if msg.Type == core.MediaError {
		return fmt.Errorf("join refused: %s", msg.Error)
	}
	s.phase.Store(phaseNegotiating)
	for _, m := range msg.Members {
		if m.ID == s.req.Self.ID {
			continue
		}
		s.mu.Lock()
		s.participants = append(s.participants, domain.User{ID: m.ID, Username: m.Username})
		s.mu.Unlock()
		s.setMuted(m.ID, "audio", m.AudioMuted)
		s.setMuted(m.ID, "video", m.VideoMuted)
	}
	return nil
}

func (s *session) setMuted(id domain.UserID, kind string, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted[id] == nil {
		s.muted[id] = make(map[string]bool)
	}
	s.muted[id][kind] = muted
}

// startMedia publishes one audio and one video track and runs the first
// offer/answer exchange. Later exchanges are offered by the server.
func (s *session) startMedia(ctx context.Context, api *webrtc.API) error {
	pc, err := rtc.NewWebRTCConnection(api, rtc.DefaultWebRTCConfig(s.engine.cfg.ICEServers...), core.SessionID(s.req.Self.ID))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()

	audio, video, err := s.engine.localSources(string(s.req.Self.ID))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.audio, s.video = audio, video
	s.mu.Unlock()
	for _, src := range []localSource{audio, video} {
		sender, err := pc.AddTrack(src.Track())
		if err != nil {
			return fmt.Errorf("add %s track: %w", src.Kind(), err)
		}
		src.Attach(sender)
		go drainRTCP(sender)
	}

	pc.OnTrack(s.onTrack)
	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		msg := core.MediaMessage{Type: core.MediaCandidate, Candidate: ci.Candidate, SDPMLineIndex: ci.SDPMLineIndex}
		if ci.SDPMid != nil {
			msg.SDPMid = *ci.SDPMid
		}
		if err := s.write(msg); err != nil {
			s.logger.Debug().Err(err).Msg("send candidate")
		}
	})
	pc.OnClosed(func() {
		if !s.closing.Load() {
			s.fail(errors.New("peer connection closed"))
		}
	})
	if err := pc.Start(s.ctx); err != nil {
		return err
	}

	offer, err := pc.CreateAndSetOffer()
	if err != nil {
		return err
	}
	if err := s.write(core.MediaMessage{Type: core.MediaOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	answer, err := s.engine.await(ctx, s.answers, s.done)
	if err != nil {
		return err
	}
	if answer.Type == core.MediaError {
		return fmt.Errorf("offer refused: %s", answer.Error)
	}

	s.audio.SetEnabled(s.req.Microphone)
	s.video.SetEnabled(s.req.Camera)
	if !s.req.Microphone {
		_ = s.write(core.MediaMessage{Type: core.MediaMute, Kind: "audio", Muted: true})
	}
	if !s.req.Camera {
		_ = s.write(core.MediaMessage{Type: core.MediaMute, Kind: "video", Muted: true})
	}
	go s.audio.Run(s.ctx)
	go s.video.Run(s.ctx)

	s.emitStream(core.Stream{ID: s.audio.Track().ID(), Owner: s.req.Self.ID, Origin: core.OriginLocal, Muted: true}, false)
	s.emitStream(core.Stream{ID: s.video.Track().ID(), Owner: s.req.Self.ID, Origin: core.OriginLocal, Muted: true}, false)
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	if sender == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *session) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if !s.closing.Load() {
				s.fail(&domain.TransportError{Reason: domain.TransportConnectionLost, Err: err})
			}
			return
		}
		var msg core.MediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("bad media message")
			continue
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg core.MediaMessage) {
	switch msg.Type {
	case core.MediaRoomState:
		if s.phase.Load() == phaseJoining {
			handOff(s.joined, msg)
		}
	case core.MediaAnswer:
		if s.phase.Load() == phaseNegotiating {
			handOff(s.answers, s.applyAnswer(msg))
		}
	case core.MediaOffer:
		s.onServerOffer(msg)
	case core.MediaCandidate:
		s.onCandidate(msg)
	case core.MediaMemberJoined:
		if msg.User != nil && msg.User.ID != s.req.Self.ID && s.ev.OnParticipant != nil {
			s.ev.OnParticipant(core.ParticipantEvent{User: *msg.User})
		}
	case core.MediaMemberLeft:
		if msg.User != nil {
			s.onMemberLeft(*msg.User)
		}
	case core.MediaMemberMuted:
		if msg.User != nil {
			s.setMuted(msg.User.ID, msg.Kind, msg.Muted)
		}
	case core.MediaError:
		switch s.phase.Load() {
		case phaseJoining:
			handOff(s.joined, msg)
			return
		case phaseNegotiating:
			handOff(s.answers, msg)
			return
		}
		s.logger.Warn().Str("error", msg.Error).Msg("media server error")
		if msg.Error == core.MediaErrNegotiation && s.ev.OnError != nil {
			s.ev.OnError(&domain.MediaSessionError{Reason: domain.MediaRuntime, Err: errors.New(msg.Error)})
		}
	case core.MediaPong, core.MediaLeft:
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("unhandled media message")
	}
}

// applyAnswer completes the first exchange on the reader goroutine, so a
// server offer read right after it always finds a stable connection.
func (s *session) applyAnswer(msg core.MediaMessage) core.MediaMessage {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	err := pc.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP})
	if err != nil {
		return core.MediaMessage{Type: core.MediaError, Error: err.Error()}
	}
	s.flushCandidates()
	s.phase.Store(phaseOpen)
	return msg
}

// handOff hands msg to a waiter, if one can take it.
func handOff(ch chan core.MediaMessage, msg core.MediaMessage) {
	select {
	case ch <- msg:
	default:
	}
}

func (s *session) onServerOffer(msg core.MediaMessage) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	answer, err := pc.ApplyOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP})
	if err != nil {
		s.logger.Error().Err(err).Msg("apply server offer")
		return
	}
	if err := s.write(core.MediaMessage{Type: core.MediaAnswer, SDP: answer.SDP}); err != nil {
		s.logger.Warn().Err(err).Msg("send answer")
	}
}

// onCandidate applies a server candidate, holding it back until the
// first answer set the remote description.
func (s *session) onCandidate(msg core.MediaMessage) {
	ci := webrtc.ICECandidateInit{Candidate: msg.Candidate, SDPMLineIndex: msg.SDPMLineIndex}
	if msg.SDPMid != "" {
		mid := msg.SDPMid
		ci.SDPMid = &mid
	}
	s.mu.Lock()
	if !s.remoteReady {
		s.pending = append(s.pending, ci)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()
	if err := pc.AddICECandidate(ci); err != nil {
		s.logger.Debug().Err(err).Msg("add candidate")
	}
}

func (s *session) flushCandidates() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.remoteReady = true
	pc := s.pc
	s.mu.Unlock()
	for _, ci := range pending {
		if err := pc.AddICECandidate(ci); err != nil {
			s.logger.Debug().Err(err).Msg("add candidate")
		}
	}
}

// onTrack reports a relayed track as a remote stream owned by the user
// carried in its stream id, and reports it removed once it ends.
func (s *session) onTrack(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	owner := domain.UserID(track.StreamID())
	kind := track.Kind().String()
	id := track.StreamID() + ":" + kind

	s.mu.Lock()
	s.remote[id] = owner
	muted := s.muted[owner][kind]
	s.mu.Unlock()
	s.emitStream(core.Stream{ID: id, Owner: owner, Origin: core.OriginRemote, Muted: muted}, false)

	for {
		if ctx.Err() != nil {
			break
		}
		if _, _, err := track.ReadRTP(); err != nil {
			break
		}
	}

	s.mu.Lock()
	_, still := s.remote[id]
	delete(s.remote, id)
	s.mu.Unlock()
	if still {
		s.emitStream(core.Stream{ID: id, Owner: owner, Origin: core.OriginRemote}, true)
	}
}

func (s *session) onMemberLeft(u domain.User) {
	var gone []core.Stream
	s.mu.Lock()
	for id, owner := range s.remote {
		if owner == u.ID {
			gone = append(gone, core.Stream{ID: id, Owner: owner, Origin: core.OriginRemote})
			delete(s.remote, id)
		}
	}
	delete(s.muted, u.ID)
	s.mu.Unlock()

	for _, st := range gone {
		s.emitStream(st, true)
	}
	if u.ID != s.req.Self.ID && s.ev.OnParticipant != nil {
		s.ev.OnParticipant(core.ParticipantEvent{User: u, Left: true})
	}
}

func (s *session) emitStream(st core.Stream, removed bool) {
	if s.ev.OnStream == nil || s.closing.Load() {
		return
	}
	s.ev.OnStream(core.StreamEvent{Stream: st, Removed: removed})
}

// fail reports a runtime loss once and releases everything.
func (s *session) fail(err error) {
	if s.closing.Swap(true) {
		return
	}
	s.logger.Warn().Err(err).Msg("media session lost")
	if s.ev.OnError != nil {
		s.ev.OnError(&domain.MediaSessionError{Reason: domain.MediaRuntime, Err: err})
	}
	go s.teardown()
}

func (s *session) teardown() {
	s.teardownOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
		s.mu.Lock()
		pc := s.pc
		sources := []localSource{s.audio, s.video}
		s.mu.Unlock()
		if pc != nil {
			pc.Close()
		}
		for _, src := range sources {
			if src != nil {
				_ = src.Close()
			}
		}
		_ = s.ws.Close()
	})
}

func (s *session) Participants() []domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.User(nil), s.participants...)
}

func (s *session) SetMicrophoneEnabled(on bool) error {
	if on && !s.engine.cfg.HasMicrophone {
		return denied("microphone")
	}
	return s.toggle(s.audio, on)
}

func (s *session) SetCameraEnabled(on bool) error {
	if on && !s.engine.cfg.HasCamera {
		return denied("camera")
	}
	return s.toggle(s.video, on)
}

func (s *session) toggle(src localSource, on bool) error {
	if s.closing.Load() {
		return &domain.MediaSessionError{Reason: domain.MediaRuntime, Err: ErrClosed}
	}
	src.SetEnabled(on)
	if err := s.write(core.MediaMessage{Type: core.MediaMute, Kind: src.Kind().String(), Muted: !on}); err != nil {
		return &domain.MediaSessionError{Reason: domain.MediaRuntime, Err: err}
	}
	return nil
}

// Close leaves the room and releases the peer connection. Idempotent;
// it waits for the signaling reader to stop or ctx to end.
func (s *session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if !s.closing.Load() {
			s.closing.Store(true)
			if err := s.write(core.MediaMessage{Type: core.MediaLeave}); err != nil {
				s.logger.Debug().Err(err).Msg("send leave")
			}
		}
		s.teardown()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
