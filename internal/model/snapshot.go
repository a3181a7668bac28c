package model

import "time"

// CategoryKind groups per-category scores
type CategoryKind string

const (
	CategorySkill    CategoryKind = "skill"
	CategoryBoss     CategoryKind = "boss"
	CategoryActivity CategoryKind = "activity"
)

// CategoryScore is one skill, boss or activity line of a snapshot
type CategoryScore struct {
	Kind  CategoryKind
	Name  string
	Value int64 // experience for skills, kills or score otherwise
	Rank  int64
}

// Snapshot is a point-in-time capture of a member's stats.
// Snapshots are append-only and unique per (username, taken at).
type Snapshot struct {
	ID             int64
	MemberID       MemberID // 0 when the username could not be resolved
	Username       string
	TakenAt        time.Time
	TotalXP        int64
	TotalBossKills int64
	EHP            float64
	EHB            float64
	Categories     []CategoryScore
}

// PlayerDetails is the stats provider's current view of one player
type PlayerDetails struct {
	Username    string
	DisplayName string
	EHP         float64
	EHB         float64
	UpdatedAt   time.Time // zero when the provider has never updated the player
	Latest      *Snapshot
}
