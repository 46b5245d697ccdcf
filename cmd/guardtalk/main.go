package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/adapters/rtc"
	"github.com/guardtalk/guardtalk/internal/adapters/store"
	"github.com/guardtalk/guardtalk/internal/adapters/token"
	"github.com/guardtalk/guardtalk/internal/app/coordinator"
	"github.com/guardtalk/guardtalk/internal/app/watcher"
	"github.com/guardtalk/guardtalk/internal/config"
	"github.com/guardtalk/guardtalk/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.GuardID == "" {
		log.Fatal().Msg("guard_id is required")
	}
	self := domain.GuardID(cfg.GuardID)

	st, err := store.Dial(ctx, cfg.DirectoryURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.DirectoryURL).Msg("directory dial failed")
	}
	defer st.Close()

	media := rtc.NewFactory(cfg.ICEServers, true)
	tokens := token.NewClient(cfg.TokenURL)

	owner := coordinator.NewOwner()
	coord := coordinator.New(st, media, tokens, self, owner, cfg.Debounce, func(s coordinator.Snapshot) {
		log.Debug().
			Str("module", "main").
			Str("state", s.State.String()).
			Str("speaker", string(s.CurrentSpeaker)).
			Int("listeners", len(s.ActiveListeners)).
			Msg("session state")
	})
	go coord.Run(ctx)

	w := watcher.New(st, coord, owner, self, cfg.PollInterval)
	go w.Run(ctx)

	log.Info().Str("guard", string(self)).Msg("guardtalk client started")
	<-ctx.Done()
	coord.Stop()
	log.Info().Msg("client exited gracefully")
}
