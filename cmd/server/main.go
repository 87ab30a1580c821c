package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Duet/internal/adapters/http"
	"github.com/dkeye/Duet/internal/adapters/media"
	"github.com/dkeye/Duet/internal/adapters/rtc"
	sig "github.com/dkeye/Duet/internal/adapters/signal"
	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/app/orch"
	"github.com/dkeye/Duet/internal/app/sfu"
	"github.com/dkeye/Duet/internal/app/token"
	"github.com/dkeye/Duet/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(config.ParseLevel(cfg.LogLevel))

	api, err := rtc.NewAPI()
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api")
	}

	reg := app.NewRegistry()
	policy := app.SimplePolicy{}
	o := &orch.Orchestrator{
		Registry: reg,
		Rooms:    app.NewRoomManager(),
		Policy:   policy,
		Relays:   sfu.NewRelayManager(),
	}
	issuer := token.NewIssuer(cfg.Token.Secret, cfg.Token.TTL, nil)
	if cfg.Token.Secret == "" {
		log.Warn().Msg("token.secret not set, media rooms are closed")
	}

	deps := router.Deps{
		Signal: sig.NewSignalWSController(cfg.Signal, reg, app.NewCallDirectory(), policy),
		Media:  media.NewMediaWSController(cfg.Media, o, issuer, api),
		Orch:   o,
		Tokens: issuer,
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Duet server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		for _, room := range o.Rooms.List() {
			o.EvictRoom(room.ID)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
