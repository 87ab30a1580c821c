// Command client is a headless Duet client: it stays online, logs the
// roster and chat, and can place or answer one call at a time.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Duet/internal/adapters/content"
	"github.com/dkeye/Duet/internal/adapters/engine"
	"github.com/dkeye/Duet/internal/adapters/realtime"
	"github.com/dkeye/Duet/internal/app/call"
	"github.com/dkeye/Duet/internal/app/client"
	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// answerRinger rings like LogRinger and reports incoming calls.
type answerRinger struct {
	*client.LogRinger
	incoming chan struct{}
}

func (r answerRinger) Start(kind call.RingKind) {
	r.LogRinger.Start(kind)
	if kind == call.RingIncoming {
		select {
		case r.incoming <- struct{}{}:
		default:
		}
	}
}

type logNotifier struct{}

func (logNotifier) Notify(n call.Notification) {
	ev := log.Info()
	if n.Err != nil {
		ev = log.Warn().Err(n.Err)
	}
	ev.Str("module", "cmd.client").Str("call", string(n.Call.CallID)).Str("peer", string(n.Call.PeerID)).Str("reason", string(n.Reason)).Msg("call finished")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(config.ParseLevel(cfg.LogLevel))
	var self domain.Identity
	if cfg.Identity.Login() {
		self, err = content.Resolve(ctx, cfg.Content, cfg.Identity.Email, cfg.Identity.Password)
	} else {
		self, err = cfg.Self()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("bad identity")
	}

	ringer := answerRinger{LogRinger: client.NewLogRinger(nil, 0), incoming: make(chan struct{}, 1)}
	deps := client.Deps{
		Identity:  self,
		Transport: realtime.New(cfg.Realtime),
		Engine:    engine.New(cfg.Media),
		Tokens:    content.NewTokenClient(cfg.ServerURL, cfg.Content.Timeout),
		Notifier:  logNotifier{},
		Ringer:    ringer,
		Call:      cfg.Call,
		Bridge:    cfg.Bridge,
	}
	var (
		rec *content.Recorder
		api *content.Client
	)
	if cfg.Content.BaseURL != "" {
		api = content.NewClient(cfg.Content, self)
		rec = content.NewRecorder(api, 64)
		deps.Content = api
		deps.Recorder = rec
	}

	c := client.New(deps)
	events, unsubscribe := c.Presence.Subscribe()
	defer unsubscribe()
	if err := c.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start")
	}
	off := c.OnMessage(func(m domain.Message) {
		log.Info().Str("module", "cmd.client").Str("from", m.SenderName).Str("text", m.Content).Msg("message")
	})
	defer off()
	offNote := c.OnNotification(func(n core.MessageNotification) {
		log.Info().Str("module", "cmd.client").Str("from", n.SenderName).Str("conversation", string(n.ConversationID)).Msg("message elsewhere")
	})
	defer offNote()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dialed := false
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				log.Info().Str("module", "cmd.client").Int("online", len(ev.Online)).Msg("roster")
				if dialed || cfg.Dial == "" || !c.Presence.IsOnline(domain.UserID(cfg.Dial)) {
					continue
				}
				p, _ := c.Presence.Get(domain.UserID(cfg.Dial))
				if _, err := c.Calls.StartCall(domain.User{ID: p.ID, Username: p.DisplayName}, domain.CallVideo); err != nil {
					log.Warn().Err(err).Str("module", "cmd.client").Msg("dial failed")
					continue
				}
				dialed = true
			case <-ringer.incoming:
				if !cfg.AutoAnswer {
					continue
				}
				if err := c.Calls.Accept(gctx); err != nil {
					log.Warn().Err(err).Str("module", "cmd.client").Msg("accept failed")
				}
			}
		}
	})
	if deps.Content != nil {
		g.Go(func() error {
			peers, err := c.Directory(gctx)
			if err != nil {
				log.Warn().Err(err).Str("module", "cmd.client").Msg("directory unavailable")
				return nil
			}
			for _, p := range peers {
				log.Info().Str("module", "cmd.client").Str("peer", string(p.ID)).Str("name", p.DisplayName).Bool("online", p.Online).Msg("directory")
			}
			return nil
		})
		g.Go(func() error {
			convs, err := api.Conversations(gctx)
			if err != nil {
				log.Warn().Err(err).Str("module", "cmd.client").Msg("conversations unavailable")
				return nil
			}
			for _, conv := range convs {
				log.Info().Str("module", "cmd.client").Str("conversation", string(conv.ID)).Str("peer", string(conv.Other(self.User.ID))).Str("last", conv.LastMessage).Msg("conversation")
			}
			gifts, err := api.Gifts(gctx)
			if err != nil {
				log.Warn().Err(err).Str("module", "cmd.client").Msg("gifts unavailable")
				return nil
			}
			log.Info().Str("module", "cmd.client").Int("gifts", len(gifts)).Msg("gift catalogue")
			return nil
		})
	}

	_ = g.Wait()
	log.Info().Msg("Shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := c.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("stop")
	}
	if rec != nil {
		if err := rec.Close(stopCtx); err != nil {
			log.Warn().Err(err).Msg("call history not flushed")
		}
	}
	log.Info().Msg("Client exited")
}
