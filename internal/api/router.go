package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mcoot/clanharvest/internal/api/events"
	"github.com/mcoot/clanharvest/internal/api/handler"
	"github.com/mcoot/clanharvest/internal/api/middleware"
	"github.com/mcoot/clanharvest/internal/api/response"
	"github.com/mcoot/clanharvest/internal/metrics"
	"github.com/mcoot/clanharvest/internal/services/alias"
	"github.com/mcoot/clanharvest/internal/services/auth"
	"github.com/mcoot/clanharvest/internal/storage"
)

// RouterConfig holds configuration for the API router
type RouterConfig struct {
	Logger      *slog.Logger
	AuthService *auth.Service
	Storage     storage.Storage
	Ledger      *alias.Ledger
	// Metrics is optional; /metrics is only mounted when set
	Metrics *metrics.Metrics
	// Events is optional; /api/v1/events is only mounted when set
	Events *events.Hub
}

// NewRouter creates a new API router with all routes configured
func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	memberHandler := handler.NewMemberHandler(cfg.Storage, cfg.Ledger)

	authMiddleware := middleware.Auth(cfg.AuthService)
	loggingMiddleware := middleware.Logging(cfg.Logger)
	recoveryMiddleware := middleware.Recovery(cfg.Logger)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(recoveryMiddleware)
	api.Use(loggingMiddleware)

	// Health check endpoint (no auth)
	api.HandleFunc("/health", healthHandler).Methods(http.MethodGet)

	protected := api.NewRoute().Subrouter()
	protected.Use(authMiddleware)
	protected.HandleFunc("/members", memberHandler.List).Methods(http.MethodGet)
	protected.HandleFunc("/members/{id}", memberHandler.Get).Methods(http.MethodGet)
	protected.HandleFunc("/members/{id}/aliases", memberHandler.Aliases).Methods(http.MethodGet)
	protected.HandleFunc("/members/{id}/snapshots", memberHandler.Snapshots).Methods(http.MethodGet)
	protected.HandleFunc("/resolve", memberHandler.Resolve).Methods(http.MethodGet)
	if cfg.Events != nil {
		protected.Handle("/events", cfg.Events).Methods(http.MethodGet)
	}

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, response.HealthResponse{Status: "ok"})
}
