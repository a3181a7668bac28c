package sqldb

import (
	"time"

	"github.com/mcoot/clanharvest/internal/model"
)

type memberRow struct {
	ID        int64  `db:"id"`
	Username  string `db:"username"`
	Role      string `db:"role"`
	JoinedAt  int64  `db:"joined_at"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r memberRow) toModel() *model.Member {
	return &model.Member{
		ID:        model.MemberID(r.ID),
		Username:  r.Username,
		Role:      r.Role,
		JoinedAt:  fromMillis(r.JoinedAt),
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

type aliasRow struct {
	NormalizedName string `db:"normalized_name"`
	CanonicalName  string `db:"canonical_name"`
	MemberID       int64  `db:"member_id"`
	Source         string `db:"source"`
	FirstSeen      int64  `db:"first_seen"`
	LastSeen       int64  `db:"last_seen"`
	IsCurrent      int    `db:"is_current"`
}

func (r aliasRow) toModel() *model.Alias {
	return &model.Alias{
		NormalizedName: r.NormalizedName,
		CanonicalName:  r.CanonicalName,
		MemberID:       model.MemberID(r.MemberID),
		Source:         r.Source,
		FirstSeen:      fromMillis(r.FirstSeen),
		LastSeen:       fromMillis(r.LastSeen),
		IsCurrent:      r.IsCurrent != 0,
	}
}

type snapshotRow struct {
	ID             int64   `db:"id"`
	MemberID       int64   `db:"member_id"`
	Username       string  `db:"username"`
	TakenAt        int64   `db:"taken_at"`
	TotalXP        int64   `db:"total_xp"`
	TotalBossKills int64   `db:"total_boss_kills"`
	EHP            float64 `db:"ehp"`
	EHB            float64 `db:"ehb"`
}

func (r snapshotRow) toModel() *model.Snapshot {
	return &model.Snapshot{
		ID:             r.ID,
		MemberID:       model.MemberID(r.MemberID),
		Username:       r.Username,
		TakenAt:        fromMillis(r.TakenAt),
		TotalXP:        r.TotalXP,
		TotalBossKills: r.TotalBossKills,
		EHP:            r.EHP,
		EHB:            r.EHB,
	}
}

type categoryRow struct {
	SnapshotID int64  `db:"snapshot_id"`
	Kind       string `db:"kind"`
	Name       string `db:"name"`
	Score      int64  `db:"score"`
	Rank       int64  `db:"category_rank"`
}

type messageRow struct {
	ID        string `db:"id"`
	Source    string `db:"source"`
	AuthorID  string `db:"author_id"`
	Author    string `db:"author"`
	Content   string `db:"content"`
	CreatedAt int64  `db:"created_at"`
}

func (r messageRow) toModel() model.Message {
	return model.Message{
		ID:        r.ID,
		Source:    r.Source,
		AuthorID:  r.AuthorID,
		Author:    r.Author,
		Content:   r.Content,
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

// Timestamps are stored as unix milliseconds; 0 means unset.

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
