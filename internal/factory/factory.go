package factory

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mcoot/clanharvest/internal/api/events"
	"github.com/mcoot/clanharvest/internal/config"
	"github.com/mcoot/clanharvest/internal/dependencies/clock"
	"github.com/mcoot/clanharvest/internal/discord"
	"github.com/mcoot/clanharvest/internal/gateway"
	"github.com/mcoot/clanharvest/internal/metrics"
	"github.com/mcoot/clanharvest/internal/services/alias"
	"github.com/mcoot/clanharvest/internal/services/auth"
	"github.com/mcoot/clanharvest/internal/services/harvest"
	"github.com/mcoot/clanharvest/internal/services/reconcile"
	"github.com/mcoot/clanharvest/internal/storage"
	"github.com/mcoot/clanharvest/internal/storage/memory"
	redisstorage "github.com/mcoot/clanharvest/internal/storage/redis"
	"github.com/mcoot/clanharvest/internal/storage/sqldb"
	"github.com/mcoot/clanharvest/internal/wom"
)

// Storage type constants
const (
	StorageTypeMemory   = "memory"
	StorageTypeSQLite   = "sqlite"
	StorageTypePostgres = "postgres"
	StorageTypeRedis    = "redis"
)

// App contains all wired application components
type App struct {
	Config *config.Config
	Logger *slog.Logger

	// Storage
	Storage storage.Storage

	// External dependencies
	Clock   clock.Clock
	Metrics *metrics.Metrics

	// Upstreams
	StatsGateway   *gateway.Gateway
	MessageGateway *gateway.Gateway // nil when no channels are configured
	Stats          *wom.Client
	Sources        []harvest.MessageSource

	// Services
	Ledger      *alias.Ledger
	Reconciler  *reconcile.Service
	Harvest     *harvest.Service
	AuthService *auth.Service

	// Events carries harvest lifecycle events to API streams. Its loop is
	// started by the server; without it events are buffered then dropped.
	Events *events.Hub
}

// New creates a new application with all dependencies wired
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	// Use no-op logger if not provided
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	store, err := newStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Type, err)
	}

	return newWithDependencies(cfg, store, clock.New(), clock.Sleep, http.DefaultClient, logger)
}

// newStorage opens the backend selected by cfg.Type
func newStorage(cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Type {
	case "", StorageTypeMemory:
		return memory.New(), nil
	case StorageTypeSQLite, StorageTypePostgres:
		sqlCfg := sqldb.DefaultConfig()
		sqlCfg.DSN = cfg.DSN
		if cfg.Type == StorageTypePostgres {
			sqlCfg.Driver = sqldb.DriverPostgres
			sqlCfg.MaxOpenConns = 10
		}
		return sqldb.New(sqlCfg)
	case StorageTypeRedis:
		redisCfg := redisstorage.DefaultConfig()
		redisCfg.URL = cfg.RedisURL
		if cfg.KeyPrefix != "" {
			redisCfg.KeyPrefix = cfg.KeyPrefix
		}
		return redisstorage.New(redisCfg)
	default:
		return nil, fmt.Errorf("invalid storage type %q", cfg.Type)
	}
}

// newWithDependencies creates an App with the given dependencies (useful for testing)
func newWithDependencies(
	cfg *config.Config,
	store storage.Storage,
	clk clock.Clock,
	sleep clock.Sleeper,
	httpClient *http.Client,
	logger *slog.Logger,
) (*App, error) {
	cutoff, err := cfg.Messages.Cutoff()
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	statsOpts := gateway.DefaultOptions()
	statsOpts.Name = "wom"
	statsOpts.BaseURL = cfg.Stats.BaseURL
	statsOpts.Headers = map[string]string{
		"x-api-key":  cfg.Stats.APIKey,
		"User-Agent": cfg.Stats.UserAgent,
	}
	statsOpts.MinDelay = cfg.Stats.MinDelay
	statsOpts.MaxDelay = cfg.Stats.MaxDelay
	statsOpts.MaxConcurrent = cfg.Stats.MaxConcurrent
	statsOpts.Policy.MaxAttempts = cfg.Stats.MaxAttempts
	statsOpts.Policy.RequestTimeout = cfg.Stats.RequestTimeout
	statsOpts.CacheTTL = cfg.Stats.CacheTTL
	statsOpts.CacheSize = cfg.Stats.CacheSize
	statsOpts.HTTPClient = httpClient
	statsOpts.Clock = clk
	statsOpts.Sleep = sleep
	statsOpts.Metrics = m
	statsOpts.Logger = logger
	statsGateway := gateway.New(statsOpts)
	stats := wom.New(statsGateway, logger)

	var (
		messageGateway *gateway.Gateway
		sources        []harvest.MessageSource
	)
	if len(cfg.Messages.ChannelIDs) > 0 {
		msgOpts := gateway.DefaultOptions()
		msgOpts.Name = "discord"
		msgOpts.BaseURL = cfg.Messages.BaseURL
		msgOpts.Headers = map[string]string{
			"User-Agent": cfg.Stats.UserAgent,
		}
		if cfg.Messages.Token != "" {
			msgOpts.Headers["Authorization"] = "Bot " + cfg.Messages.Token
		}
		msgOpts.MinDelay = cfg.Messages.MinDelay
		msgOpts.MaxConcurrent = 1
		msgOpts.CacheTTL = 0
		msgOpts.HTTPClient = httpClient
		msgOpts.Clock = clk
		msgOpts.Sleep = sleep
		msgOpts.Metrics = m
		msgOpts.Logger = logger
		messageGateway = gateway.New(msgOpts)

		for _, id := range cfg.Messages.ChannelIDs {
			sources = append(sources, discord.NewChannelSource(messageGateway, id, cfg.Messages.RelayAuthors))
		}
	}

	ledger := alias.New(store, stats, clk, logger)
	reconciler := reconcile.New(store, ledger, stats, clk, m, logger)

	harvestCfg := harvest.Config{
		GroupID:           cfg.Stats.GroupID,
		GroupSecret:       cfg.Stats.GroupSecret,
		GroupUpdateWait:   cfg.Harvest.GroupUpdateWait,
		SafeDeleteRatio:   cfg.Harvest.SafeDeleteRatio,
		RosterLimit:       cfg.Harvest.RosterLimit,
		FreshWithin:       cfg.Harvest.FreshWithin,
		RescanAfter:       cfg.Harvest.RescanAfter,
		Concurrency:       cfg.Harvest.Concurrency,
		HistoryBackfill:   cfg.Harvest.HistoryBackfill,
		MessageCutoff:     cutoff,
		BackfillTolerance: cfg.Messages.BackfillTolerance,
		MessageBatchSize:  cfg.Messages.BatchSize,
	}
	hub := events.NewHub(logger)
	harvester := harvest.New(harvest.Dependencies{
		Storage:    store,
		Stats:      stats,
		Sources:    sources,
		Ledger:     ledger,
		Reconciler: reconciler,
		Clock:      clk,
		Sleep:      sleep,
		Metrics:    m,
		Logger:     logger,
		Events:     hub,
	}, harvestCfg)

	authService := auth.New(clk, auth.Config{TokenHash: cfg.API.TokenHash})

	return &App{
		Config:         cfg,
		Logger:         logger,
		Storage:        store,
		Clock:          clk,
		Metrics:        m,
		StatsGateway:   statsGateway,
		MessageGateway: messageGateway,
		Stats:          stats,
		Sources:        sources,
		Ledger:         ledger,
		Reconciler:     reconciler,
		Harvest:        harvester,
		AuthService:    authService,
		Events:         hub,
	}, nil
}

// Close releases the storage backend when it holds connections
func (a *App) Close() error {
	if c, ok := a.Storage.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
