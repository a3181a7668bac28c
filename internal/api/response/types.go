package response

import (
	"time"

	"github.com/mcoot/clanharvest/internal/model"
)

// Member represents a member in API responses
type Member struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Role      string     `json:"role"`
	JoinedAt  *time.Time `json:"joined_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MemberFromModel converts a model.Member to a response Member
func MemberFromModel(m *model.Member) Member {
	out := Member{
		ID:        int64(m.ID),
		Username:  m.Username,
		Role:      m.Role,
		UpdatedAt: m.UpdatedAt,
	}
	if !m.JoinedAt.IsZero() {
		joined := m.JoinedAt
		out.JoinedAt = &joined
	}
	return out
}

// MembersResponse lists members
type MembersResponse struct {
	Members []Member `json:"members"`
	Count   int      `json:"count"`
}

// MembersFromModel converts a member slice
func MembersFromModel(members []*model.Member) MembersResponse {
	out := MembersResponse{Members: make([]Member, 0, len(members)), Count: len(members)}
	for _, m := range members {
		out.Members = append(out.Members, MemberFromModel(m))
	}
	return out
}

// Alias represents one known spelling of a member's name
type Alias struct {
	NormalizedName string    `json:"normalized_name"`
	CanonicalName  string    `json:"canonical_name"`
	Source         string    `json:"source"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	IsCurrent      bool      `json:"is_current"`
}

// AliasesResponse lists a member's aliases
type AliasesResponse struct {
	MemberID int64   `json:"member_id"`
	Aliases  []Alias `json:"aliases"`
}

// AliasesFromModel converts a member's aliases
func AliasesFromModel(memberID model.MemberID, aliases []*model.Alias) AliasesResponse {
	out := AliasesResponse{MemberID: int64(memberID), Aliases: make([]Alias, 0, len(aliases))}
	for _, a := range aliases {
		out.Aliases = append(out.Aliases, Alias{
			NormalizedName: a.NormalizedName,
			CanonicalName:  a.CanonicalName,
			Source:         a.Source,
			FirstSeen:      a.FirstSeen,
			LastSeen:       a.LastSeen,
			IsCurrent:      a.IsCurrent,
		})
	}
	return out
}

// Category is one skill, boss or activity score
type Category struct {
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Value int64  `json:"value"`
	Rank  int64  `json:"rank"`
}

// Snapshot represents a stored stats snapshot
type Snapshot struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	TakenAt        time.Time  `json:"taken_at"`
	TotalXP        int64      `json:"total_xp"`
	TotalBossKills int64      `json:"total_boss_kills"`
	EHP            float64    `json:"ehp"`
	EHB            float64    `json:"ehb"`
	Categories     []Category `json:"categories,omitempty"`
}

// SnapshotFromModel converts a model.Snapshot
func SnapshotFromModel(s *model.Snapshot) Snapshot {
	out := Snapshot{
		ID:             s.ID,
		Username:       s.Username,
		TakenAt:        s.TakenAt,
		TotalXP:        s.TotalXP,
		TotalBossKills: s.TotalBossKills,
		EHP:            s.EHP,
		EHB:            s.EHB,
	}
	for _, c := range s.Categories {
		out.Categories = append(out.Categories, Category{
			Kind:  string(c.Kind),
			Name:  c.Name,
			Value: c.Value,
			Rank:  c.Rank,
		})
	}
	return out
}

// SnapshotsResponse lists a member's snapshots, newest last
type SnapshotsResponse struct {
	MemberID  int64      `json:"member_id"`
	Snapshots []Snapshot `json:"snapshots"`
}

// ResolveResponse is the result of a name lookup
type ResolveResponse struct {
	Name     string `json:"name"`
	MemberID int64  `json:"member_id"`
	Username string `json:"username"`
}

// HealthResponse reports service health
type HealthResponse struct {
	Status string `json:"status"`
}
