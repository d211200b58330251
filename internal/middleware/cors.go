package middleware

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/zhouzirui/vision-kiosk/backend/internal/config"
)

// CORS builds the cross-origin policy for the browser tablet and kiosk pages.
// Debug mode allows every origin but drops credentials, which browsers reject
// together with a wildcard.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowedOrigins:   cfg.Origins,
		AllowCredentials: true,
	}
	if cfg.Debug {
		opts.AllowedOrigins = []string{"*"}
		opts.AllowCredentials = false
	}
	return cors.New(opts).Handler
}
