// Package engine is the client side of the SFU: it implements
// core.MediaEngine over the media signaling socket and one pion peer
// connection per joined room.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Duet/internal/adapters/rtc"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("media session closed")

type Config struct {
	URL         string        `mapstructure:"url"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
	// HasMicrophone and HasCamera tell whether the device may capture.
	// Capture opens real devices where the build supports it.
	HasMicrophone bool `mapstructure:"microphone"`
	HasCamera     bool `mapstructure:"camera"`
	Capture       bool `mapstructure:"capture"`
}

type Engine struct {
	cfg         Config
	clock       clock.Clock
	newAPI      func() (*webrtc.API, error)
	openCapture func(audio, video bool) (localSource, localSource, error)
	dialer      *websocket.Dialer
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithAPIFactory replaces the pion API constructor.
func WithAPIFactory(fn func() (*webrtc.API, error)) Option {
	return func(e *Engine) { e.newAPI = fn }
}

func New(cfg Config, opts ...Option) *Engine {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	e := &Engine{
		cfg:         cfg,
		clock:       clock.New(),
		newAPI:      rtc.NewAPI,
		openCapture: openCapture,
		dialer:      &websocket.Dialer{HandshakeTimeout: cfg.JoinTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Open joins req.Room and completes the first offer/answer exchange
// before returning. Every failure leaves nothing running.
func (e *Engine) Open(ctx context.Context, req core.JoinRequest, ev core.MediaEvents) (core.MediaSession, error) {
	if req.Microphone && !e.cfg.HasMicrophone {
		return nil, denied("microphone")
	}
	if req.Camera && !e.cfg.HasCamera {
		return nil, denied("camera")
	}
	api, err := e.newAPI()
	if err != nil {
		return nil, &domain.MediaSessionError{Reason: domain.MediaUnsupported, Err: fmt.Errorf("webrtc api: %w", err)}
	}

	ws, _, err := e.dialer.DialContext(ctx, e.cfg.URL, nil)
	if err != nil {
		return nil, joinFailed(fmt.Errorf("dial media: %w", err))
	}
	s := newSession(e, req, ev, ws)
	go s.readLoop()

	logger := log.With().Str("module", "engine").Str("room", string(req.Room)).Logger()
	if err := s.join(ctx); err != nil {
		s.teardown()
		logger.Warn().Err(err).Msg("join failed")
		return nil, joinFailed(err)
	}
	if err := s.startMedia(ctx, api); err != nil {
		s.teardown()
		logger.Warn().Err(err).Msg("negotiation failed")
		if _, ok := domain.MediaReason(err); ok {
			return nil, err
		}
		return nil, joinFailed(err)
	}
	logger.Info().Int("participants", len(s.participants)).Msg("media session open")
	return s, nil
}

// localSources opens capture devices when configured, and synthetic
// sources for every kind capture does not cover.
func (e *Engine) localSources(owner string) (audio, video localSource, err error) {
	if e.cfg.Capture {
		audio, video, err = e.openCapture(e.cfg.HasMicrophone, e.cfg.HasCamera)
		switch {
		case errors.Is(err, errNoCapture):
			log.Warn().Str("module", "engine").Msg("device capture not in this build, using synthetic media")
		case err != nil:
			return nil, nil, err
		}
	}
	if audio == nil {
		if audio, err = newSynthSource(webrtc.RTPCodecTypeAudio, owner, e.clock); err != nil {
			return nil, nil, err
		}
	}
	if video == nil {
		if video, err = newSynthSource(webrtc.RTPCodecTypeVideo, owner, e.clock); err != nil {
			if audio != nil {
				_ = audio.Close()
			}
			return nil, nil, err
		}
	}
	return audio, video, nil
}

func denied(device string) error {
	return &domain.MediaSessionError{Reason: domain.MediaPermissionDenied, Err: fmt.Errorf("%s not available", device)}
}

func joinFailed(err error) error {
	return &domain.MediaSessionError{Reason: domain.MediaJoinFailed, Err: err}
}

// await waits for the next message on ch within the join timeout.
func (e *Engine) await(ctx context.Context, ch <-chan core.MediaMessage, done <-chan struct{}) (core.MediaMessage, error) {
	timer := e.clock.Timer(e.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return msg, nil
	case <-done:
		return core.MediaMessage{}, ErrClosed
	case <-ctx.Done():
		return core.MediaMessage{}, ctx.Err()
	case <-timer.C:
		return core.MediaMessage{}, errors.New("media server did not answer")
	}
}
