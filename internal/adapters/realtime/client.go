// Package realtime is the client side of the realtime channel: one
// websocket to the hub, reconnect with bounded exponential backoff and a
// typed event surface for the presence and call components.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrAlreadyConnected = errors.New("realtime: already connected")

type Config struct {
	URL            string        `mapstructure:"url"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxRetries     int           `mapstructure:"max_retries"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	// RosterCoalesce delivers only the latest roster of a burst. Zero
	// delivers every distinct roster immediately.
	RosterCoalesce time.Duration `mapstructure:"roster_coalesce"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

func DefaultConfig() Config {
	return Config{
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		MaxRetries:     5,
		PingPeriod:     25 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      5 * time.Second,
		SendBuffer:     64,
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// initial doubled per attempt, capped at max.
func Backoff(initial, max time.Duration, attempt int) time.Duration {
	d := initial
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

type handlerEntry struct {
	h core.Handler
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	header http.Header
	logger zerolog.Logger

	events chan core.Envelope
	quit   chan struct{}
	retry  chan struct{}

	mu       sync.Mutex
	handlers map[string][]*handlerEntry
	identity core.InitPayload
	state    core.ConnState
	conn     *wsConn
	cancel   context.CancelFunc
	done     chan struct{}
	roster   *rosterFilter
}

type Option func(*Client)

func WithDialer(d *websocket.Dialer) Option { return func(c *Client) { c.dialer = d } }
func WithHeader(h http.Header) Option       { return func(c *Client) { c.header = h } }

func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	c := &Client{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   log.With().Str("module", "adapters.realtime").Logger(),
		handlers: make(map[string][]*handlerEntry),
		state:    core.ConnClosed,
		retry:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect binds identity and starts the connection supervisor. It returns
// once the first dial attempt has finished; a failed first dial is
// reported and retried with backoff like any later loss.
func (c *Client) Connect(ctx context.Context, identity core.InitPayload) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.identity = identity
	c.done = make(chan struct{})
	c.events = make(chan core.Envelope, 256)
	c.quit = make(chan struct{})
	c.roster = newRosterFilter(c.cfg.RosterCoalesce, c.push)
	events, quit, done := c.events, c.quit, c.done
	c.mu.Unlock()

	go c.dispatch(events, quit)

	first := make(chan error, 1)
	go func() {
		defer close(done)
		c.supervise(runCtx, first)
		c.release(done)
	}()

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection and stops reconnecting. Handlers
// receive a final closed status.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	c.mu.Lock()
	c.roster.stop()
	quit := c.quit
	c.mu.Unlock()
	c.setState(core.ConnectionStatus{State: core.ConnClosed})
	close(quit)
}

// Retry starts a new reconnect round after the retry budget ran out.
// It reports false when the client is not in the failed state.
func (c *Client) Retry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != core.ConnFailed {
		return false
	}
	c.state = core.ConnConnecting
	select {
	case c.retry <- struct{}{}:
	default:
	}
	return true
}

// release finishes the teardown when the supervisor stopped because the
// Connect context ended. Once Disconnect has claimed cancel it owns the
// teardown instead.
func (c *Client) release(done chan struct{}) {
	c.mu.Lock()
	if c.cancel == nil || c.done != done {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.cancel = nil
	c.state = core.ConnClosed
	c.roster.stop()
	events, quit := c.events, c.quit
	c.mu.Unlock()
	cancel()

	data, _ := json.Marshal(core.ConnectionStatus{State: core.ConnClosed})
	events <- core.Envelope{Type: core.EventConnection, Data: data}
	close(quit)
	c.logger.Info().Msg("connect context ended")
}

func (c *Client) State() core.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes one event. It fails fast when there is no live connection.
func (c *Client) Send(event string, payload any) error {
	frame, err := core.Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &domain.TransportError{Reason: domain.TransportNotConnected}
	}
	if err := conn.TrySend(frame); err != nil {
		return &domain.TransportError{Reason: domain.TransportConnectionLost, Err: err}
	}
	return nil
}

// On subscribes h to event. Handlers run on one goroutine in arrival order.
func (c *Client) On(event string, h core.Handler) (off func()) {
	e := &handlerEntry{h: h}
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], e)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.handlers[event]
			for i, x := range list {
				if x == e {
					c.handlers[event] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

func (c *Client) supervise(ctx context.Context, first chan<- error) {
	attempt := 0
	for {
		connected, err := c.session(ctx, first)
		first = nil
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		if attempt >= c.cfg.MaxRetries {
			select {
			case <-c.retry:
			default:
			}
			c.setState(core.ConnectionStatus{
				State:  core.ConnFailed,
				Reason: domain.TransportRetriesExhausted,
				Error:  errString(err),
			})
			c.logger.Error().Err(err).Int("retries", attempt).Msg("retry budget exhausted")
			select {
			case <-ctx.Done():
				return
			case <-c.retry:
				attempt = 0
				c.logger.Info().Msg("manual retry")
				continue
			}
		}
		delay := Backoff(c.cfg.InitialBackoff, c.cfg.MaxBackoff, attempt)
		attempt++
		c.setState(core.ConnectionStatus{
			State:   core.ConnReconnecting,
			Attempt: attempt,
			Delay:   delay,
			Error:   errString(err),
		})
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session dials once and serves the connection until it drops.
func (c *Client) session(ctx context.Context, first chan<- error) (connected bool, err error) {
	c.setState(core.ConnectionStatus{State: core.ConnConnecting})
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.header)
	if err != nil {
		err = &domain.TransportError{Reason: domain.TransportDialFailed, Err: err}
		if first != nil {
			first <- err
		}
		return false, err
	}

	conn := newWSConn(ws, c.cfg.SendBuffer)
	c.mu.Lock()
	identity := c.identity
	c.roster.reset()
	c.mu.Unlock()

	hello, _ := core.Encode(core.EventInit, identity)
	_ = conn.TrySend(hello)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(core.ConnectionStatus{State: core.ConnConnected})
	c.logger.Info().Str("url", c.cfg.URL).Str("user", string(identity.UserID)).Msg("connected")
	if first != nil {
		first <- nil
	}

	connCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	go c.writePump(connCtx, conn)
	err = c.readPump(connCtx, conn)
	cancel()
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	return true, &domain.TransportError{Reason: domain.TransportConnectionLost, Err: err}
}

func (c *Client) setState(st core.ConnectionStatus) {
	c.mu.Lock()
	c.state = st.State
	c.mu.Unlock()
	data, _ := json.Marshal(st)
	c.push(core.Envelope{Type: core.EventConnection, Data: data})
}

func (c *Client) push(env core.Envelope) {
	c.mu.Lock()
	events, quit := c.events, c.quit
	c.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- env:
	case <-quit:
	}
}

func (c *Client) dispatch(events <-chan core.Envelope, quit <-chan struct{}) {
	for {
		select {
		case env := <-events:
			c.deliver(env)
		case <-quit:
			for {
				select {
				case env := <-events:
					c.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) deliver(env core.Envelope) {
	c.mu.Lock()
	list := append([]*handlerEntry(nil), c.handlers[env.Type]...)
	c.mu.Unlock()
	for _, e := range list {
		e.h(env.Data)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
