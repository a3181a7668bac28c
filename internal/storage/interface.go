package storage

import (
	"context"
	"time"

	"github.com/mcoot/clanharvest/internal/model"
)

// Storage defines the interface for data persistence.
// Username lookups are case-insensitive in every backend.
type Storage interface {
	// Member operations
	CreateMember(ctx context.Context, member *model.Member) error // assigns ID when zero
	UpdateMember(ctx context.Context, member *model.Member) error
	GetMember(ctx context.Context, id model.MemberID) (*model.Member, error)
	GetMemberByUsername(ctx context.Context, username string) (*model.Member, error)
	ListMembers(ctx context.Context) ([]*model.Member, error)
	DeleteMembers(ctx context.Context, ids []model.MemberID) error

	// RenameUsername moves a member and every historical record keyed by
	// the old username (snapshots, message authors) to newName in one
	// atomic step.
	RenameUsername(ctx context.Context, oldName, newName string) error

	// Alias operations
	SaveAlias(ctx context.Context, alias *model.Alias) error
	GetAlias(ctx context.Context, normalizedName string) (*model.Alias, error)
	ListAliases(ctx context.Context, memberID model.MemberID) ([]*model.Alias, error)

	// Snapshot operations
	SaveSnapshot(ctx context.Context, snapshot *model.Snapshot) error // ErrSnapshotExists on duplicate
	LatestSnapshot(ctx context.Context, username string) (*model.Snapshot, error)
	ListSnapshots(ctx context.Context, username string) ([]*model.Snapshot, error)

	// Message operations
	InsertMessages(ctx context.Context, messages []model.Message) (inserted, skipped int, err error)
	MessageBounds(ctx context.Context, source string) (earliest, latest time.Time, err error)
	ListMessages(ctx context.Context, source string, limit int) ([]model.Message, error)
}
