package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mcoot/clanharvest/internal/model"
)

// MembershipResult reports a membership sync
type MembershipResult struct {
	Added         int
	Updated       int
	Restored      int
	Deleted       int
	DeleteSkipped bool
	Failed        int
	Members       []*model.Member
}

// SyncMembership upserts every roster entry as a member, resolving identity
// through the alias ledger, then deletes stored members missing from the
// roster unless that would remove more than SafeDeleteRatio of them. An
// entry that cannot be stored is logged and counted in Failed; deletes are
// then skipped since the failed entry's member cannot be told apart from a
// departed one.
func (s *Service) SyncMembership(ctx context.Context, roster []model.RosterEntry) (*MembershipResult, error) {
	stored, err := s.storage.ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	result := &MembershipResult{}
	seen := make(map[model.MemberID]bool, len(roster))
	for _, entry := range roster {
		member, err := s.upsertMember(ctx, entry, seen, result)
		if err != nil {
			if fatal(err) {
				return nil, err
			}
			result.Failed++
			s.logger.Error("roster entry not synced",
				slog.String("username", entry.Username),
				slog.String("error", err.Error()),
			)
			continue
		}
		if member == nil {
			continue
		}
		seen[member.ID] = true
		result.Members = append(result.Members, member)

		if _, err := s.ledger.EnsurePrimaryAlias(ctx, member); err != nil {
			switch {
			case errors.Is(err, model.ErrAliasOwnedByOther):
				s.logger.Warn("primary alias owned by another member",
					slog.String("username", member.Username),
					slog.String("error", err.Error()),
				)
			case fatal(err):
				return nil, fmt.Errorf("ensure alias for %s: %w", member.Username, err)
			default:
				result.Failed++
				s.logger.Error("primary alias not recorded",
					slog.String("username", member.Username),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	var toDelete []model.MemberID
	for _, m := range stored {
		if !seen[m.ID] {
			toDelete = append(toDelete, m.ID)
		}
	}
	if len(toDelete) == 0 {
		return result, nil
	}
	if result.Failed > 0 {
		result.DeleteSkipped = true
		s.logger.Warn("roster entries failed, skipping member delete",
			slog.Int("failed", result.Failed),
			slog.Int("to_delete", len(toDelete)),
		)
		return result, nil
	}

	ratio := float64(len(toDelete)) / float64(len(stored))
	if ratio > s.cfg.SafeDeleteRatio {
		result.DeleteSkipped = true
		s.logger.Warn("skipping member delete",
			slog.String("error", model.ErrUnsafeDelete.Error()),
			slog.Int("to_delete", len(toDelete)),
			slog.Int("stored", len(stored)),
			slog.Float64("ratio", ratio),
			slog.Float64("limit", s.cfg.SafeDeleteRatio),
		)
		return result, nil
	}

	if err := s.storage.DeleteMembers(ctx, toDelete); err != nil {
		return nil, fmt.Errorf("delete members: %w", err)
	}
	result.Deleted = len(toDelete)
	s.logger.Info("removed departed members", slog.Int("count", len(toDelete)))
	return result, nil
}

// upsertMember returns nil when the entry resolves to a member already
// handled in this sync.
func (s *Service) upsertMember(ctx context.Context, entry model.RosterEntry, seen map[model.MemberID]bool, result *MembershipResult) (*model.Member, error) {
	now := s.clock.Now()

	id, ok, err := s.ledger.Resolve(ctx, entry.Username)
	if err != nil {
		return nil, err
	}

	if !ok {
		member := &model.Member{
			Username:  entry.Username,
			Role:      entry.Role,
			JoinedAt:  entry.JoinedAt,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.storage.CreateMember(ctx, member); err != nil {
			return nil, fmt.Errorf("create member %s: %w", entry.Username, err)
		}
		result.Added++
		return member, nil
	}

	if seen[id] {
		s.logger.Warn("roster entry resolves to a member already synced, not merging",
			slog.String("username", entry.Username),
			slog.Int64("member_id", int64(id)),
		)
		return nil, nil
	}

	member, err := s.storage.GetMember(ctx, id)
	if errors.Is(err, model.ErrMemberNotFound) {
		member = &model.Member{
			ID:        id,
			Username:  entry.Username,
			Role:      entry.Role,
			JoinedAt:  entry.JoinedAt,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.storage.CreateMember(ctx, member); err != nil {
			return nil, fmt.Errorf("restore member %d as %s: %w", id, entry.Username, err)
		}
		result.Restored++
		s.logger.Info("restored member", slog.String("username", entry.Username), slog.Int64("member_id", int64(id)))
		return member, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member %d: %w", id, err)
	}

	changed := member.Username != entry.Username || member.Role != entry.Role ||
		(!entry.JoinedAt.IsZero() && !member.JoinedAt.Equal(entry.JoinedAt))
	if !changed {
		return member, nil
	}

	member.Username = entry.Username
	member.Role = entry.Role
	if !entry.JoinedAt.IsZero() {
		member.JoinedAt = entry.JoinedAt
	}
	member.UpdatedAt = now
	if err := s.storage.UpdateMember(ctx, member); err != nil {
		return nil, fmt.Errorf("update member %d: %w", id, err)
	}
	result.Updated++
	return member, nil
}
