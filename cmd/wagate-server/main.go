// Package main provides the entry point for the wagate gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tergene/wagate/internal/bridge"
	"github.com/tergene/wagate/internal/command"
	"github.com/tergene/wagate/internal/config"
	"github.com/tergene/wagate/internal/credstore"
	"github.com/tergene/wagate/internal/logging"
	"github.com/tergene/wagate/internal/server"
	"github.com/tergene/wagate/internal/session"
	"github.com/tergene/wagate/internal/transport"
)

var (
	port        = flag.Int("port", 0, "Server port (overrides config)")
	configPath  = flag.String("config", "", "Path to config file")
	sessionsDir = flag.String("sessions-dir", "", "Credential store root (overrides config)")
	dev         = flag.Bool("dev", false, "Run with the in-memory fake transport")
	version     = flag.Bool("version", false, "Print version and exit")
)

const Version = "0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("wagate-server %s\n", Version)
		os.Exit(0)
	}

	// .env is optional; real env vars win either way.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *sessionsDir != "" {
		cfg.SessionsDir = *sessionsDir
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: os.Stderr,
		Pretty: cfg.LogPretty,
	})

	logging.Info().Str("version", Version).Int("port", cfg.Port).Msg("starting wagate")

	store := credstore.New(cfg.SessionsDir)
	if err := store.EnsureRoot(); err != nil {
		logging.Fatal().Err(err).Str("dir", cfg.SessionsDir).Msg("cannot create sessions dir")
	}

	var dialer transport.Dialer
	if *dev {
		logging.Warn().Msg("dev mode: using in-memory fake transport")
		dialer = transport.NewFakeDialer()
	} else {
		dialer, err = transport.DefaultDialer()
		if err != nil {
			logging.Fatal().Err(err).Msg("no transport driver; run with -dev or link a protocol driver")
		}
	}

	manager := session.NewManager(store, dialer, session.Options{
		OwnerNumber:      cfg.OwnerNumber,
		RestartDelay:     cfg.RestartDelay,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
	})
	manager.SetHandler(command.NewDispatcher(command.Options{
		OwnerNumber: cfg.OwnerNumber,
		OwnerName:   cfg.OwnerName,
		BotName:     cfg.BotName,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tg *bridge.Telegram
	if cfg.TelegramToken != "" {
		tg, err = bridge.NewTelegram(cfg.TelegramToken, manager, store, cfg.BotName)
		if err != nil {
			logging.Error().Err(err).Msg("telegram bridge disabled")
		} else {
			tg.Run(ctx)
		}
	} else {
		logging.Warn().Msg("telegram token not set, control bridge disabled")
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Port = cfg.Port
	serverConfig.AllowedOrigin = cfg.AllowedOrigin
	srv := server.New(serverConfig, manager)

	go func() {
		logging.Info().Msgf("listening on http://localhost:%d", cfg.Port)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if tg != nil {
		tg.Close()
	}
	cancel()

	// Every live session logs out before the process exits.
	manager.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("stopped")
}
