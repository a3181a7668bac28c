package model

import "time"

// Alias sources
const (
	AliasSourceRoster      = "roster"
	AliasSourceNameChange  = "name_change"
	AliasSourceNameHistory = "name_history"
	AliasSourceManual      = "manual"
)

// Alias maps one normalized spelling of a name to the member who owns it.
// NormalizedName is unique across all members.
type Alias struct {
	NormalizedName string
	CanonicalName  string
	MemberID       MemberID
	Source         string
	FirstSeen      time.Time
	LastSeen       time.Time
	IsCurrent      bool
}

// NameChange is an approved rename reported by the stats provider
type NameChange struct {
	OldName   string
	NewName   string
	Status    string
	CreatedAt time.Time
}
