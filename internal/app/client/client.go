// Package client is the composition root of the headless client. It wires
// the realtime channel to the presence tracker and the call machine, and
// the call machine to the session bridge.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Duet/internal/app/bridge"
	"github.com/dkeye/Duet/internal/app/call"
	"github.com/dkeye/Duet/internal/app/presence"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrStarted = errors.New("client already started")

// Transport is the realtime channel as the client drives it.
type Transport interface {
	core.Channel
	Connect(ctx context.Context, identity core.InitPayload) error
	Disconnect()
}

type Deps struct {
	Identity  domain.Identity
	Transport Transport
	Engine    core.MediaEngine
	Tokens    core.TokenSource
	// Content is optional; without it chat stays realtime-only and the
	// directory lists online peers only.
	Content  ContentAPI
	Recorder call.Recorder
	Notifier call.Notifier
	Ringer   call.Ringer
	Clock    clock.Clock
	Call     call.Config
	Bridge   bridge.Config
	SelfView core.RenderTarget
	PeerView core.RenderTarget
}

type Client struct {
	self    domain.User
	ch      Transport
	content ContentAPI
	logger  zerolog.Logger

	Presence *presence.Tracker
	Bridge   *bridge.Bridge
	Calls    *call.Machine

	mu   sync.Mutex
	offs []func()
	open domain.ConversationID
}

func New(d Deps) *Client {
	c := &Client{
		self:     d.Identity.User,
		ch:       d.Transport,
		content:  d.Content,
		logger:   log.With().Str("module", "app.client").Str("self", string(d.Identity.User.ID)).Logger(),
		Presence: presence.NewTracker(d.Identity.User.ID),
	}

	bopts := []bridge.Option{bridge.WithConfig(d.Bridge)}
	if d.SelfView != nil || d.PeerView != nil {
		bopts = append(bopts, bridge.WithRenderTargets(orNop(d.SelfView), orNop(d.PeerView)))
	}
	c.Bridge = bridge.New(d.Engine, d.Tokens, bopts...)

	copts := []call.Option{call.WithConfig(d.Call)}
	if d.Clock != nil {
		copts = append(copts, call.WithClock(d.Clock))
	}
	if d.Recorder != nil {
		copts = append(copts, call.WithRecorder(d.Recorder))
	}
	if d.Notifier != nil {
		copts = append(copts, call.WithNotifier(d.Notifier))
	}
	if d.Ringer != nil {
		copts = append(copts, call.WithRinger(d.Ringer))
	}
	c.Calls = call.New(c.self, d.Transport, c.Bridge, copts...)

	c.Bridge.SetListener(bridge.Listener{
		OnPeerJoined:   c.Calls.OnPeerJoined,
		OnPeerLeft:     c.Calls.OnPeerLeft,
		OnSessionError: c.Calls.OnSessionError,
	})
	return c
}

// Start registers the inbound handlers and connects the channel.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.offs != nil {
		c.mu.Unlock()
		return ErrStarted
	}
	c.offs = []func(){
		c.ch.On(core.EventOnlineUsers, c.onRoster),
		c.ch.On(core.EventConnection, c.onConnection),
		c.Calls.Attach(c.ch),
	}
	c.mu.Unlock()

	identity := core.InitPayload{UserID: c.self.ID, UserName: c.self.Username}
	if err := c.ch.Connect(ctx, identity); err != nil {
		c.logger.Warn().Err(err).Msg("first connect failed, retrying in background")
	}
	return nil
}

func (c *Client) onRoster(data json.RawMessage) {
	var list []domain.PeerPresence
	if err := json.Unmarshal(data, &list); err != nil {
		c.logger.Error().Err(err).Msg("bad roster payload")
		return
	}
	c.Presence.OnRosterUpdate(list)
}

// Stop hangs up any call, leaves the media room and closes the channel.
func (c *Client) Stop(ctx context.Context) error {
	if c.Calls.State() != domain.CallIdle {
		_ = c.Calls.End()
	}
	err := c.Bridge.Leave(ctx)

	c.mu.Lock()
	offs := c.offs
	c.offs = nil
	c.mu.Unlock()
	for _, off := range offs {
		off()
	}
	c.ch.Disconnect()
	return err
}

type nopTarget struct{}

func (nopTarget) Attach(core.Stream) {}

func (nopTarget) Detach(string) {}

func orNop(t core.RenderTarget) core.RenderTarget {
	if t == nil {
		return nopTarget{}
	}
	return t
}
