package model

import "errors"

// Common errors used across the application
var (
	// Member errors
	ErrMemberNotFound = errors.New("member not found")
	ErrUsernameTaken  = errors.New("username already belongs to another member")

	// Identity errors
	ErrInvalidName       = errors.New("name has no comparable characters")
	ErrAliasNotFound     = errors.New("alias not found")
	ErrAliasOwnedByOther = errors.New("alias belongs to another member")
	ErrLastAlias         = errors.New("alias is the member's only name")

	// Snapshot errors
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrSnapshotExists   = errors.New("snapshot already recorded for this user and time")

	// Harvest errors
	ErrNameCollision = errors.New("rename target is already a member")
	ErrUnsafeDelete  = errors.New("membership delete exceeds safe ratio")
)
