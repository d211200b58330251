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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/config"
	"github.com/zhouzirui/vision-kiosk/backend/internal/handler"
	"github.com/zhouzirui/vision-kiosk/backend/internal/logging"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/events"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/relay"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/session"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
}

// run returns errors instead of exiting; deferred cleanup must complete first.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Init(cfg.Log, "relay")
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file, continuing with system environment variables only")
	}

	broadcaster := events.NewBroadcaster()
	publishers := events.Multi{broadcaster}
	if cfg.Events.Enabled() {
		natsPublisher, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			log.Warn().Err(err).Msg("continuing without NATS lifecycle events")
		} else {
			log.Info().Str("url", cfg.Events.NATSURL).Msg("publishing lifecycle events to NATS")
			publishers = append(publishers, natsPublisher)
		}
	} else {
		log.Info().Msg("NATS_URL 未配置，跳过事件发布")
	}
	defer publishers.Close()

	registry := session.NewRegistry(
		session.WithIdleTimeout(cfg.Relay.IdleTimeout),
		session.WithPublisher(publishers),
	)
	defer registry.CloseAll()
	go registry.Run(ctx, cfg.Relay.SweepInterval)

	relayService := relay.NewService(registry, publishers)
	router := handler.NewRouter(cfg, relayService, broadcaster)

	return startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("vision kiosk relay listening")
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
