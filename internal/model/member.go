package model

import "time"

// MemberID uniquely identifies a community member across renames
type MemberID int64

// Member is a single person in the community roster
type Member struct {
	ID        MemberID
	Username  string
	Role      string
	JoinedAt  time.Time // zero when upstream does not report it
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RosterEntry is one row of the upstream membership list
type RosterEntry struct {
	Username string
	Role     string
	JoinedAt time.Time
}
