package alias

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mcoot/clanharvest/internal/dependencies/clock"
	"github.com/mcoot/clanharvest/internal/identity"
	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/storage"
)

// NameHistory supplies a player's approved rename history
type NameHistory interface {
	GetPlayerNameChanges(ctx context.Context, username string) ([]model.NameChange, error)
}

// Ledger maps every known spelling of a name to the member who owns it
type Ledger struct {
	storage storage.Storage
	history NameHistory
	clock   clock.Clock
	logger  *slog.Logger

	// writes are read-modify-write across several aliases
	mu sync.Mutex
}

// New creates a Ledger. history may be nil when name-history sync is not used.
func New(storage storage.Storage, history NameHistory, clock clock.Clock, logger *slog.Logger) *Ledger {
	return &Ledger{
		storage: storage,
		history: history,
		clock:   clock,
		logger:  logger,
	}
}

// UpsertAlias records rawName for memberID. An alias already owned by a
// different member is left untouched and ErrAliasOwnedByOther is returned;
// use ReassignAlias to move it deliberately.
func (l *Ledger) UpsertAlias(ctx context.Context, memberID model.MemberID, rawName, source string, seenAt time.Time, isCurrent bool) (*model.Alias, error) {
	key := identity.Key(rawName)
	if key == "" {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidName, rawName)
	}
	canonical := identity.Canonical(rawName)
	if seenAt.IsZero() {
		seenAt = l.clock.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.storage.GetAlias(ctx, key)
	switch {
	case errors.Is(err, model.ErrAliasNotFound):
		alias := &model.Alias{
			NormalizedName: key,
			CanonicalName:  canonical,
			MemberID:       memberID,
			Source:         source,
			FirstSeen:      seenAt,
			LastSeen:       seenAt,
			IsCurrent:      isCurrent,
		}
		return alias, l.save(ctx, alias)

	case err != nil:
		return nil, fmt.Errorf("get alias %q: %w", key, err)

	case existing.MemberID != memberID:
		if existing.CanonicalName != canonical {
			l.logger.Warn("distinct names collapse to the same identity",
				slog.String("key", key),
				slog.String("existing", existing.CanonicalName),
				slog.String("incoming", canonical),
				slog.Int64("owner", int64(existing.MemberID)),
				slog.Int64("claimant", int64(memberID)),
			)
		}
		return nil, fmt.Errorf("%w: %q owned by member %d, claimed by member %d",
			model.ErrAliasOwnedByOther, key, existing.MemberID, memberID)
	}

	existing.CanonicalName = canonical
	if source != "" {
		existing.Source = source
	}
	if existing.FirstSeen.IsZero() || seenAt.Before(existing.FirstSeen) {
		existing.FirstSeen = seenAt
	}
	if seenAt.After(existing.LastSeen) {
		existing.LastSeen = seenAt
	}
	existing.IsCurrent = isCurrent
	return existing, l.save(ctx, existing)
}

// ReassignAlias points rawName at memberID, creating it if needed. This is
// the only operation that moves an alias between members. Moving a member's
// only alias is refused with ErrLastAlias.
func (l *Ledger) ReassignAlias(ctx context.Context, rawName string, memberID model.MemberID, source string, seenAt time.Time) (*model.Alias, error) {
	key := identity.Key(rawName)
	if key == "" {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidName, rawName)
	}
	if _, err := l.storage.GetMember(ctx, memberID); err != nil {
		return nil, fmt.Errorf("reassign %q to member %d: %w", key, memberID, err)
	}
	if seenAt.IsZero() {
		seenAt = l.clock.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	alias, err := l.storage.GetAlias(ctx, key)
	switch {
	case errors.Is(err, model.ErrAliasNotFound):
		alias = &model.Alias{NormalizedName: key, FirstSeen: seenAt}
	case err != nil:
		return nil, fmt.Errorf("get alias %q: %w", key, err)
	case alias.MemberID != memberID:
		owned, err := l.storage.ListAliases(ctx, alias.MemberID)
		if err != nil {
			return nil, fmt.Errorf("list aliases of member %d: %w", alias.MemberID, err)
		}
		if len(owned) <= 1 {
			return nil, fmt.Errorf("%w: %q is the only alias of member %d", model.ErrLastAlias, key, alias.MemberID)
		}
		l.logger.Warn("reassigning alias",
			slog.String("key", key),
			slog.Int64("from", int64(alias.MemberID)),
			slog.Int64("to", int64(memberID)),
		)
	}

	alias.CanonicalName = identity.Canonical(rawName)
	alias.MemberID = memberID
	alias.Source = source
	alias.IsCurrent = false
	if seenAt.After(alias.LastSeen) {
		alias.LastSeen = seenAt
	}
	return alias, l.save(ctx, alias)
}

// Resolve returns the member owning rawName. A miss is ok=false, not an
// error. Names with no alias fall back to an exact username match.
func (l *Ledger) Resolve(ctx context.Context, rawName string) (model.MemberID, bool, error) {
	key := identity.Key(rawName)
	if key == "" {
		return 0, false, nil
	}

	alias, err := l.storage.GetAlias(ctx, key)
	if err == nil {
		return alias.MemberID, true, nil
	}
	if !errors.Is(err, model.ErrAliasNotFound) {
		return 0, false, fmt.Errorf("resolve %q: %w", key, err)
	}

	member, err := l.storage.GetMemberByUsername(ctx, identity.Canonical(rawName))
	if errors.Is(err, model.ErrMemberNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve %q: %w", key, err)
	}
	return member.ID, true, nil
}

// EnsurePrimaryAlias records the member's current username as its current alias
func (l *Ledger) EnsurePrimaryAlias(ctx context.Context, member *model.Member) (*model.Alias, error) {
	return l.UpsertAlias(ctx, member.ID, member.Username, model.AliasSourceRoster, l.clock.Now(), true)
}

// ListAliases returns every alias of a member ordered by normalized name
func (l *Ledger) ListAliases(ctx context.Context, memberID model.MemberID) ([]*model.Alias, error) {
	return l.storage.ListAliases(ctx, memberID)
}

// SyncNameHistory records both ends of every approved rename of username as
// aliases of memberID. Names owned by another member are logged and
// skipped. It returns the number of aliases written.
func (l *Ledger) SyncNameHistory(ctx context.Context, memberID model.MemberID, username string) (int, error) {
	if l.history == nil {
		return 0, errors.New("name history provider not configured")
	}
	changes, err := l.history.GetPlayerNameChanges(ctx, username)
	if err != nil {
		return 0, fmt.Errorf("fetch name history for %s: %w", username, err)
	}
	slices.SortFunc(changes, func(a, b model.NameChange) int { return a.CreatedAt.Compare(b.CreatedAt) })

	written := 0
	for _, change := range changes {
		for _, name := range []string{change.OldName, change.NewName} {
			if name == "" {
				continue
			}
			current := identity.AreSameUser(name, username)
			if _, err := l.UpsertAlias(ctx, memberID, name, model.AliasSourceNameHistory, change.CreatedAt, current); err != nil {
				if errors.Is(err, model.ErrAliasOwnedByOther) || errors.Is(err, model.ErrInvalidName) {
					l.logger.Warn("skipping historical name",
						slog.String("name", name),
						slog.Int64("member_id", int64(memberID)),
						slog.String("error", err.Error()),
					)
					continue
				}
				return written, err
			}
			written++
		}
	}
	return written, nil
}

// save persists alias and, when it is current, demotes the member's
// other current aliases. Callers hold l.mu.
func (l *Ledger) save(ctx context.Context, alias *model.Alias) error {
	if err := l.storage.SaveAlias(ctx, alias); err != nil {
		return fmt.Errorf("save alias %q: %w", alias.NormalizedName, err)
	}
	if !alias.IsCurrent {
		return nil
	}

	others, err := l.storage.ListAliases(ctx, alias.MemberID)
	if err != nil {
		return fmt.Errorf("list aliases of member %d: %w", alias.MemberID, err)
	}
	for _, other := range others {
		if other.NormalizedName == alias.NormalizedName || !other.IsCurrent {
			continue
		}
		other.IsCurrent = false
		if err := l.storage.SaveAlias(ctx, other); err != nil {
			return fmt.Errorf("demote alias %q: %w", other.NormalizedName, err)
		}
	}
	return nil
}
