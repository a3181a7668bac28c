package harvest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mcoot/clanharvest/internal/dependencies/clock"
	"github.com/mcoot/clanharvest/internal/gateway"
	"github.com/mcoot/clanharvest/internal/metrics"
	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/services/alias"
	"github.com/mcoot/clanharvest/internal/services/reconcile"
	"github.com/mcoot/clanharvest/internal/storage"
)

// StatsProvider is the paced stats API the harvester reads membership and
// player snapshots from.
type StatsProvider interface {
	GetGroupMembers(ctx context.Context, groupID string) ([]model.RosterEntry, error)
	GetPlayerDetails(ctx context.Context, username string) (*model.PlayerDetails, error)
	GetPlayerSnapshots(ctx context.Context, username string, since time.Time) ([]*model.Snapshot, error)
	SearchNameChanges(ctx context.Context, name string) ([]model.NameChange, error)
	GetPlayerNameChanges(ctx context.Context, username string) ([]model.NameChange, error)
	RequestRescan(ctx context.Context, username string) (*model.PlayerDetails, error)
	UpdateGroup(ctx context.Context, groupID, secret string) (int, error)
}

// MessageSource yields chat messages created in [start, end). A zero end
// means no upper bound.
type MessageSource interface {
	Name() string
	FetchMessages(ctx context.Context, start, end time.Time) iter.Seq2[model.Message, error]
}

// Publisher receives run lifecycle events for live observers
type Publisher interface {
	Publish(event string, data any)
}

// Config controls a harvest run
type Config struct {
	GroupID     string
	GroupSecret string // empty skips the group refresh
	// GroupUpdateWait gives the provider time to process a group refresh
	GroupUpdateWait time.Duration

	// SafeDeleteRatio is the largest share of stored members one run may delete
	SafeDeleteRatio float64
	// RosterLimit truncates the roster when positive
	RosterLimit int

	// FreshWithin of zero means "already captured since UTC midnight"
	FreshWithin time.Duration
	// RescanAfter asks the provider to re-read players whose data is older; zero disables
	RescanAfter     time.Duration
	Concurrency     int
	HistoryBackfill bool

	MessageCutoff     time.Time
	BackfillTolerance time.Duration
	MessageBatchSize  int
}

// DefaultConfig returns default harvest configuration
func DefaultConfig() Config {
	return Config{
		GroupUpdateWait:   5 * time.Minute,
		SafeDeleteRatio:   0.20,
		RescanAfter:       24 * time.Hour,
		Concurrency:       4,
		MessageCutoff:     time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC),
		BackfillTolerance: 24 * time.Hour,
		MessageBatchSize:  100,
	}
}

// Dependencies are the collaborators of a harvest Service
type Dependencies struct {
	Storage    storage.Storage
	Stats      StatsProvider
	Sources    []MessageSource
	Ledger     *alias.Ledger
	Reconciler *reconcile.Service
	Clock      clock.Clock
	Sleep      clock.Sleeper
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	// Events is optional
	Events Publisher
}

// SnapshotStats is the headline stats of one member after a run
type SnapshotStats struct {
	TotalXP        int64
	TotalBossKills int64
	EHP            float64
	EHB            float64
	TakenAt        time.Time
	Fresh          bool // reused from an earlier run
}

// Summary reports what one run did
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Roster        int
	Added         int
	Updated       int
	Restored      int
	Deleted       int
	DeleteSkipped bool
	MemberErrors  int

	Renamed    int
	Collisions int
	Departed   int

	SnapshotsSaved     int
	SnapshotsFresh     int
	SnapshotsDuplicate int
	Rescans            int
	SnapshotErrors     int

	MessagesInserted int
	MessagesSkipped  int
	MessageErrors    int

	Stats map[string]SnapshotStats
}

// Service orchestrates harvest runs
type Service struct {
	storage    storage.Storage
	stats      StatsProvider
	sources    []MessageSource
	ledger     *alias.Ledger
	reconciler *reconcile.Service
	clock      clock.Clock
	sleep      clock.Sleeper
	metrics    *metrics.Metrics
	logger     *slog.Logger
	events     Publisher
	cfg        Config
}

// New creates a harvest Service
func New(deps Dependencies, cfg Config) *Service {
	defaults := DefaultConfig()
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MessageBatchSize < 1 {
		cfg.MessageBatchSize = defaults.MessageBatchSize
	}
	if cfg.SafeDeleteRatio <= 0 {
		cfg.SafeDeleteRatio = defaults.SafeDeleteRatio
	}
	if deps.Sleep == nil {
		deps.Sleep = clock.Sleep
	}
	if deps.Events == nil {
		deps.Events = discardEvents{}
	}
	return &Service{
		storage:    deps.Storage,
		stats:      deps.Stats,
		sources:    deps.Sources,
		ledger:     deps.Ledger,
		reconciler: deps.Reconciler,
		clock:      deps.Clock,
		sleep:      deps.Sleep,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		events:     deps.Events,
		cfg:        cfg,
	}
}

// Run performs one full harvest. It fails only when the roster cannot be
// fetched or the provider rejects our credentials; every other failure is
// counted in the Summary.
func (s *Service) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:     uuid.NewString(),
		StartedAt: s.clock.Now(),
	}
	logger := s.logger.With(slog.String("run_id", summary.RunID))
	logger.Info("harvest started", slog.String("group_id", s.cfg.GroupID))
	s.events.Publish(EventStarted, RunEvent{RunID: summary.RunID, At: summary.StartedAt})

	err := s.run(ctx, logger, summary)
	summary.FinishedAt = s.clock.Now()
	s.metrics.HarvestDuration.Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())
	if err != nil {
		s.metrics.HarvestRuns.WithLabelValues("failure").Inc()
		logger.Error("harvest failed", slog.String("error", err.Error()))
		s.events.Publish(EventFailed, RunEvent{RunID: summary.RunID, At: summary.FinishedAt, Error: err.Error()})
		return nil, err
	}

	s.metrics.HarvestRuns.WithLabelValues("success").Inc()
	logger.Info("harvest finished",
		slog.Int("roster", summary.Roster),
		slog.Int("added", summary.Added),
		slog.Int("deleted", summary.Deleted),
		slog.Int("member_errors", summary.MemberErrors),
		slog.Int("renamed", summary.Renamed),
		slog.Int("snapshots_saved", summary.SnapshotsSaved),
		slog.Int("snapshots_fresh", summary.SnapshotsFresh),
		slog.Int("messages_inserted", summary.MessagesInserted),
		slog.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	s.events.Publish(EventFinished, summary)
	return summary, nil
}

func (s *Service) run(ctx context.Context, logger *slog.Logger, summary *Summary) error {
	if err := s.refreshGroup(ctx, logger); err != nil {
		return err
	}

	roster, err := s.stats.GetGroupMembers(ctx, s.cfg.GroupID)
	if err != nil {
		return fmt.Errorf("fetch roster: %w", err)
	}
	if s.cfg.RosterLimit > 0 && len(roster) > s.cfg.RosterLimit {
		logger.Info("roster limited", slog.Int("limit", s.cfg.RosterLimit), slog.Int("full", len(roster)))
		roster = roster[:s.cfg.RosterLimit]
	}
	summary.Roster = len(roster)
	s.metrics.RosterSize.Set(float64(len(roster)))

	lastRun, err := s.storage.ListMembers(ctx)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	reconciled, err := s.reconciler.Reconcile(ctx, lastRun, roster)
	if err != nil {
		return fmt.Errorf("reconcile names: %w", err)
	}
	summary.Renamed = reconciled.Renamed
	summary.Collisions = reconciled.Collisions
	summary.Departed = reconciled.Departed

	membership, err := s.SyncMembership(ctx, roster)
	if err != nil {
		return fmt.Errorf("sync membership: %w", err)
	}
	summary.Added = membership.Added
	summary.Updated = membership.Updated
	summary.Restored = membership.Restored
	summary.Deleted = membership.Deleted
	summary.DeleteSkipped = membership.DeleteSkipped
	summary.MemberErrors = membership.Failed

	var snapshots *SnapshotResult
	var messages *MessageResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snapshots, err = s.HarvestSnapshots(gctx, roster)
		return err
	})
	g.Go(func() error {
		var err error
		messages, err = s.SyncMessages(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	summary.SnapshotsSaved = snapshots.Saved
	summary.SnapshotsFresh = snapshots.Fresh
	summary.SnapshotsDuplicate = snapshots.Duplicate
	summary.Rescans = snapshots.Rescans
	summary.SnapshotErrors = snapshots.Errors
	summary.Stats = snapshots.Stats
	summary.MessagesInserted = messages.Inserted
	summary.MessagesSkipped = messages.Skipped
	summary.MessageErrors = messages.Errors
	return nil
}

// refreshGroup asks the provider to update every member and waits for it
// to propagate. Only an authentication failure is returned.
func (s *Service) refreshGroup(ctx context.Context, logger *slog.Logger) error {
	if s.cfg.GroupSecret == "" {
		return nil
	}
	queued, err := s.stats.UpdateGroup(ctx, s.cfg.GroupID, s.cfg.GroupSecret)
	if err != nil {
		if gateway.IsFatal(err) {
			return fmt.Errorf("refresh group: %w", err)
		}
		logger.Error("group refresh failed, proceeding", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("group refresh queued",
		slog.Int("players", queued),
		slog.Duration("wait", s.cfg.GroupUpdateWait),
	)
	if s.cfg.GroupUpdateWait > 0 {
		return s.sleep(ctx, s.cfg.GroupUpdateWait)
	}
	return nil
}

// Run lifecycle event names
const (
	EventStarted  = "harvest.started"
	EventFinished = "harvest.finished"
	EventFailed   = "harvest.failed"
)

// RunEvent announces a run starting or failing
type RunEvent struct {
	RunID string    `json:"run_id"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

type discardEvents struct{}

func (discardEvents) Publish(string, any) {}

// fatal reports whether err must abort the run
func fatal(err error) bool {
	return gateway.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
