package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/client"
	"github.com/zhouzirui/vision-kiosk/backend/internal/config"
	"github.com/zhouzirui/vision-kiosk/backend/internal/logging"
	"github.com/zhouzirui/vision-kiosk/backend/internal/orchestrator/kiosk"
	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/camera"
	"github.com/zhouzirui/vision-kiosk/backend/internal/service/generation"
)

const reconnectDelay = 2 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	relayURL := flag.String("relay", cfg.Kiosk.RelayURL, "relay base URL")
	sessionFlag := flag.String("session", "", "join an existing session instead of creating one")
	source := flag.String("camera", cfg.Kiosk.CameraSource, "image file or directory used as the camera")
	outputDir := flag.String("out", cfg.Kiosk.OutputDir, "directory to archive results in")
	flag.Parse()

	logging.Init(cfg.Log, "kiosk")
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file, continuing with system environment variables only")
	}

	generator, err := generation.NewClient(cfg.Generation)
	if err != nil {
		log.Fatal().Err(err).Msg("生成后端未配置，请设置 GENERATION_URL")
	}

	opts := kiosk.Options{
		MaxCountdown:   cfg.Kiosk.MaxCountdown,
		IncludeDataURL: cfg.Kiosk.ResultDataURL,
		Listener: func(s kiosk.Snapshot) {
			log.Info().Str("state", string(s.State)).Int("countdown", s.Countdown).Bool("camera", s.CameraHeld).Msg("kiosk state")
		},
	}
	if *outputDir != "" {
		archive, err := kiosk.NewDirArchive(*outputDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", *outputDir).Msg("failed to prepare archive")
		}
		opts.Archive = archive
	}

	k := kiosk.New(nil, camera.NewFileCamera(*source), generator, opts)
	defer k.Close()

	conn := client.New(client.DefaultOptions(*relayURL, protocol.RoleKiosk), k)
	k.SetSender(conn)

	if err := run(ctx, conn, *sessionFlag); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("kiosk stopped")
	}
}

// run keeps the kiosk registered, creating a fresh session whenever the
// current one has been evicted.
func run(ctx context.Context, conn *client.Conn, sessionID string) error {
	for {
		if sessionID == "" {
			id, err := conn.CreateSession(ctx)
			if err != nil {
				return err
			}
			sessionID = id
			fmt.Printf("\n  Session code: %s\n\n", sessionID)
		}

		err := conn.Open(ctx, sessionID)
		switch {
		case errors.Is(err, client.ErrSessionNotFound):
			log.Warn().Str("session_id", sessionID).Msg("session expired, creating a new one")
			sessionID = ""
			continue
		case errors.Is(err, client.ErrRoleConflict):
			// 旧连接尚未被中继清理
			log.Warn().Str("session_id", sessionID).Msg("kiosk slot still held, retrying")
			if !sleep(ctx, reconnectDelay) {
				return ctx.Err()
			}
			continue
		case err != nil:
			return err
		}
		log.Info().Str("session_id", sessionID).Msg("kiosk connected")

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		case <-conn.Done():
		}

		log.Warn().Err(conn.Err()).Str("session_id", sessionID).Msg("relay connection lost, reconnecting")
		if !sleep(ctx, reconnectDelay) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
