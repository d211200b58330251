package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/config"
)

// Init configures the global logger and returns it tagged with app.
func Init(cfg config.LogConfig, app string) zerolog.Logger {
	return InitTo(os.Stderr, cfg, app)
}

// InitTo is Init with an explicit sink.
func InitTo(out io.Writer, cfg config.LogConfig, app string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	writer := out
	if cfg.Format != "json" {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(writer).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
