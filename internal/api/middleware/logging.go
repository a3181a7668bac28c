package middleware

import (
	"log/slog"
	"net/http"

	"github.com/mcoot/clanharvest/internal/middleware"
)

// Logging logs every API request with its request id
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return middleware.Logging(logger.With(slog.String("component", "api")))
}
