package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/config"
	"solana-trade-engine/internal/control"
	"solana-trade-engine/internal/engine"
)

func main() {
	cfgPath := flag.String("config", "config/engine.yaml", "path to engine config")
	flag.Parse()

	setupLogger()
	log.Info().Msg("strategy engine starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.Build(ctx, *cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("engine build failed")
	}

	eng.StartMonitors(ctx)

	ctl := control.New(
		eng.Sup, eng.Arm, eng.DB, eng.Executor, eng.Health,
		eng.Config.Get().Control.ListenHost,
		eng.Config.Get().Control.ListenPort,
		eng.Config.ArmTTL(),
	)
	go func() {
		if err := ctl.Start(); err != nil {
			log.Fatal().Err(err).Msg("control server failed")
		}
	}()

	eng.Config.SetOnChange(func(c *config.Config) {
		log.Info().Msg("engine config reloaded")
	})

	// SIGINT/SIGTERM: purge arm sessions first, then drain bots.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	eng.Arm.PurgeAll()
	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		_ = ctl.Shutdown()
		eng.Shutdown()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out")
	}
	log.Info().Msg("goodbye")
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
