package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcoot/clanharvest/internal/model"
)

// SnapshotResult reports a snapshot harvest
type SnapshotResult struct {
	Saved     int
	Fresh     int
	Duplicate int
	Rescans   int
	Errors    int
	Stats     map[string]SnapshotStats
}

// periodStart is the instant after which a stored snapshot counts as fresh
func (s *Service) periodStart(now time.Time) time.Time {
	if s.cfg.FreshWithin > 0 {
		return now.Add(-s.cfg.FreshWithin)
	}
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// HarvestSnapshots captures a snapshot for every roster member not already
// captured this period. Members fan out up to Concurrency at a time; a
// failing member is counted and does not stop the others.
func (s *Service) HarvestSnapshots(ctx context.Context, roster []model.RosterEntry) (*SnapshotResult, error) {
	result := &SnapshotResult{Stats: make(map[string]SnapshotStats, len(roster))}
	var mu sync.Mutex
	since := s.periodStart(s.clock.Now())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, entry := range roster {
		g.Go(func() error {
			outcome, err := s.harvestMember(gctx, entry.Username, since)
			mu.Lock()
			defer mu.Unlock()
			result.merge(entry.Username, outcome)
			if err != nil {
				if fatal(err) {
					return err
				}
				result.Errors++
				s.metrics.SnapshotsSkipped.WithLabelValues("error").Inc()
				s.logger.Warn("snapshot failed",
					slog.String("username", entry.Username),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	s.logger.Info("snapshot harvest complete",
		slog.Int("saved", result.Saved),
		slog.Int("fresh", result.Fresh),
		slog.Int("duplicate", result.Duplicate),
		slog.Int("rescans", result.Rescans),
		slog.Int("errors", result.Errors),
	)
	return result, nil
}

type memberOutcome struct {
	stats     *SnapshotStats
	saved     int
	fresh     bool
	duplicate bool
	rescanned bool
}

func (r *SnapshotResult) merge(username string, o memberOutcome) {
	r.Saved += o.saved
	if o.fresh {
		r.Fresh++
	}
	if o.duplicate {
		r.Duplicate++
	}
	if o.rescanned {
		r.Rescans++
	}
	if o.stats != nil {
		r.Stats[username] = *o.stats
	}
}

func statsOf(snap *model.Snapshot, fresh bool) *SnapshotStats {
	return &SnapshotStats{
		TotalXP:        snap.TotalXP,
		TotalBossKills: snap.TotalBossKills,
		EHP:            snap.EHP,
		EHB:            snap.EHB,
		TakenAt:        snap.TakenAt,
		Fresh:          fresh,
	}
}

func (s *Service) harvestMember(ctx context.Context, username string, since time.Time) (memberOutcome, error) {
	var out memberOutcome

	latest, err := s.storage.LatestSnapshot(ctx, username)
	switch {
	case err == nil && !latest.TakenAt.Before(since):
		out.fresh = true
		out.stats = statsOf(latest, true)
		s.metrics.SnapshotsSkipped.WithLabelValues("fresh").Inc()
		return out, nil
	case err != nil && !errors.Is(err, model.ErrSnapshotNotFound):
		return out, fmt.Errorf("latest snapshot: %w", err)
	}
	hasHistory := err == nil

	details, err := s.stats.GetPlayerDetails(ctx, username)
	if err != nil {
		return out, err
	}

	if s.stale(details) {
		rescanned, err := s.stats.RequestRescan(ctx, username)
		switch {
		case err == nil && rescanned != nil:
			details = rescanned
			out.rescanned = true
		case err != nil && fatal(err):
			return out, err
		case err != nil:
			s.logger.Warn("rescan failed, using existing data",
				slog.String("username", username),
				slog.String("error", err.Error()),
			)
		}
	}
	if details.Latest == nil {
		return out, fmt.Errorf("provider has no snapshot for %s", username)
	}

	snap := *details.Latest
	if snap.TakenAt.IsZero() {
		snap.TakenAt = s.clock.Now()
	}
	saved, err := s.saveSnapshot(ctx, username, &snap)
	if err != nil {
		return out, err
	}
	out.stats = statsOf(&snap, false)
	if saved {
		out.saved++
	} else {
		out.duplicate = true
	}

	if s.cfg.HistoryBackfill && !hasHistory {
		n, err := s.backfillHistory(ctx, username)
		out.saved += n
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// stale reports whether the provider's data is old enough to request a rescan
func (s *Service) stale(details *model.PlayerDetails) bool {
	if s.cfg.RescanAfter <= 0 {
		return false
	}
	return details.UpdatedAt.IsZero() || s.clock.Now().Sub(details.UpdatedAt) > s.cfg.RescanAfter
}

// saveSnapshot resolves the owning member at write time and stores snap.
// It returns false when the snapshot was already stored.
func (s *Service) saveSnapshot(ctx context.Context, username string, snap *model.Snapshot) (bool, error) {
	memberID, _, err := s.ledger.Resolve(ctx, username)
	if err != nil {
		return false, err
	}
	snap.ID = 0
	snap.Username = username
	snap.MemberID = memberID

	err = s.storage.SaveSnapshot(ctx, snap)
	if errors.Is(err, model.ErrSnapshotExists) {
		s.metrics.SnapshotsSkipped.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("save snapshot: %w", err)
	}
	s.metrics.SnapshotsSaved.Inc()
	return true, nil
}

// backfillHistory stores the provider's full snapshot history for a member
// seen for the first time.
func (s *Service) backfillHistory(ctx context.Context, username string) (int, error) {
	history, err := s.stats.GetPlayerSnapshots(ctx, username, time.Time{})
	saved := 0
	for _, snap := range history {
		ok, serr := s.saveSnapshot(ctx, username, snap)
		if serr != nil {
			return saved, serr
		}
		if ok {
			saved++
		}
	}
	if err != nil {
		return saved, fmt.Errorf("snapshot history: %w", err)
	}
	s.logger.Debug("history backfilled", slog.String("username", username), slog.Int("saved", saved))
	return saved, nil
}
