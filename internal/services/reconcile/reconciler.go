package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/mcoot/clanharvest/internal/dependencies/clock"
	"github.com/mcoot/clanharvest/internal/gateway"
	"github.com/mcoot/clanharvest/internal/identity"
	"github.com/mcoot/clanharvest/internal/metrics"
	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/services/alias"
	"github.com/mcoot/clanharvest/internal/storage"
)

// Kind classifies what happened to a previously seen member
type Kind string

const (
	KindActive         Kind = "active"
	KindRenamed        Kind = "renamed"
	KindCollisionAbort Kind = "collision_abort"
	KindDeparted       Kind = "departed"
)

// NameSearcher finds approved renames by name
type NameSearcher interface {
	SearchNameChanges(ctx context.Context, name string) ([]model.NameChange, error)
}

// Outcome is the verdict for one member of the last-run roster
type Outcome struct {
	Kind     Kind
	MemberID model.MemberID
	OldName  string
	NewName  string
	Err      error
}

// Result summarises one reconciliation cycle
type Result struct {
	Outcomes   []Outcome
	Renamed    int
	Collisions int
	Departed   int
}

// Service detects members who vanished from the roster because they
// renamed, and migrates their history to the new name.
type Service struct {
	storage  storage.Storage
	ledger   *alias.Ledger
	searcher NameSearcher
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a reconciliation Service
func New(storage storage.Storage, ledger *alias.Ledger, searcher NameSearcher, clock clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		storage:  storage,
		ledger:   ledger,
		searcher: searcher,
		clock:    clock,
		metrics:  m,
		logger:   logger,
	}
}

// Reconcile compares the last-run roster with the current one. Members
// missing from the current roster are looked up in the provider's rename
// log. An authentication failure aborts the cycle and is returned with
// the partial result.
func (s *Service) Reconcile(ctx context.Context, lastRun []*model.Member, current []model.RosterEntry) (*Result, error) {
	currentKeys := make(map[string]bool, len(current))
	for _, entry := range current {
		currentKeys[identity.Key(entry.Username)] = true
	}
	lastRunKeys := make(map[string]bool, len(lastRun))
	for _, m := range lastRun {
		lastRunKeys[identity.Key(m.Username)] = true
	}

	members := slices.Clone(lastRun)
	slices.SortFunc(members, func(a, b *model.Member) int { return cmp.Compare(a.ID, b.ID) })

	result := &Result{}
	for _, member := range members {
		if currentKeys[identity.Key(member.Username)] {
			result.add(Outcome{Kind: KindActive, MemberID: member.ID, OldName: member.Username})
			continue
		}

		outcome, err := s.reconcileMissing(ctx, member, lastRunKeys)
		if err != nil {
			return result, err
		}
		result.add(outcome)
		s.metrics.Renames.WithLabelValues(string(outcome.Kind)).Inc()
	}

	s.logger.Info("name reconciliation complete",
		slog.Int("last_run", len(lastRun)),
		slog.Int("renamed", result.Renamed),
		slog.Int("collisions", result.Collisions),
		slog.Int("departed", result.Departed),
	)
	return result, nil
}

func (s *Service) reconcileMissing(ctx context.Context, member *model.Member, lastRunKeys map[string]bool) (Outcome, error) {
	outcome := Outcome{Kind: KindDeparted, MemberID: member.ID, OldName: member.Username}

	changes, err := s.searcher.SearchNameChanges(ctx, member.Username)
	if err != nil {
		if gateway.IsFatal(err) {
			return outcome, fmt.Errorf("search name changes: %w", err)
		}
		s.logger.Warn("name change search failed, treating member as departed",
			slog.String("username", member.Username),
			slog.String("error", err.Error()),
		)
		outcome.Err = err
		return outcome, nil
	}

	change, ok := findRename(changes, member.Username)
	if !ok {
		return outcome, nil
	}
	outcome.NewName = change.NewName

	if lastRunKeys[identity.Key(change.NewName)] {
		return s.collision(outcome), nil
	}

	err = s.storage.RenameUsername(ctx, member.Username, change.NewName)
	if errors.Is(err, model.ErrUsernameTaken) {
		return s.collision(outcome), nil
	}
	if err != nil {
		s.logger.Error("rename failed",
			slog.String("old", member.Username),
			slog.String("new", change.NewName),
			slog.String("error", err.Error()),
		)
		outcome.Err = err
		return outcome, nil
	}

	outcome.Kind = KindRenamed
	s.logger.Info("member renamed",
		slog.Int64("member_id", int64(member.ID)),
		slog.String("old", member.Username),
		slog.String("new", change.NewName),
	)

	seenAt := change.CreatedAt
	if seenAt.IsZero() {
		seenAt = s.clock.Now()
	}
	names := []struct {
		name    string
		current bool
	}{{change.NewName, true}, {member.Username, false}}
	for _, n := range names {
		if _, err := s.ledger.UpsertAlias(ctx, member.ID, n.name, model.AliasSourceNameChange, seenAt, n.current); err != nil {
			s.logger.Warn("could not record rename alias",
				slog.String("name", n.name),
				slog.Int64("member_id", int64(member.ID)),
				slog.String("error", err.Error()),
			)
		}
	}
	return outcome, nil
}

func (s *Service) collision(outcome Outcome) Outcome {
	s.logger.Error("critical: rename target already belongs to a member, skipping merge",
		slog.Int64("member_id", int64(outcome.MemberID)),
		slog.String("old", outcome.OldName),
		slog.String("new", outcome.NewName),
	)
	outcome.Kind = KindCollisionAbort
	outcome.Err = fmt.Errorf("%w: %s -> %s", model.ErrNameCollision, outcome.OldName, outcome.NewName)
	return outcome
}

// findRename picks the first approved change away from oldName
func findRename(changes []model.NameChange, oldName string) (model.NameChange, bool) {
	for _, c := range changes {
		if c.Status != "" && c.Status != "approved" {
			continue
		}
		if strings.EqualFold(c.OldName, oldName) && c.NewName != "" {
			return c, true
		}
	}
	return model.NameChange{}, false
}

func (r *Result) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Kind {
	case KindRenamed:
		r.Renamed++
	case KindCollisionAbort:
		r.Collisions++
	case KindDeparted:
		r.Departed++
	}
}
