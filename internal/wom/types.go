package wom

import (
	"cmp"
	"slices"
	"time"

	"github.com/mcoot/clanharvest/internal/model"
)

// Wire types for the Wise Old Man v2 API. Only the fields the harvester
// reads are declared.

type groupDetails struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Memberships []membership `json:"memberships"`
}

type membership struct {
	Role      string     `json:"role"`
	CreatedAt *time.Time `json:"createdAt"`
	Player    player     `json:"player"`
}

type player struct {
	Username       string        `json:"username"`
	DisplayName    string        `json:"displayName"`
	EHP            float64       `json:"ehp"`
	EHB            float64       `json:"ehb"`
	UpdatedAt      *time.Time    `json:"updatedAt"`
	LatestSnapshot *snapshotWire `json:"latestSnapshot"`
}

type snapshotWire struct {
	CreatedAt time.Time    `json:"createdAt"`
	Data      snapshotData `json:"data"`
}

type snapshotData struct {
	Skills     map[string]skillValue    `json:"skills"`
	Bosses     map[string]bossValue     `json:"bosses"`
	Activities map[string]activityValue `json:"activities"`
	Computed   map[string]computedValue `json:"computed"`
}

type skillValue struct {
	Experience int64 `json:"experience"`
	Rank       int64 `json:"rank"`
}

type bossValue struct {
	Kills int64 `json:"kills"`
	Rank  int64 `json:"rank"`
}

type activityValue struct {
	Score int64 `json:"score"`
	Rank  int64 `json:"rank"`
}

type computedValue struct {
	Value float64 `json:"value"`
}

type nameChange struct {
	OldName   string    `json:"oldName"`
	NewName   string    `json:"newName"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func (p player) toDetails() *model.PlayerDetails {
	details := &model.PlayerDetails{
		Username:    p.Username,
		DisplayName: p.DisplayName,
		EHP:         p.EHP,
		EHB:         p.EHB,
		UpdatedAt:   timeOrZero(p.UpdatedAt),
	}
	if p.LatestSnapshot != nil {
		snap := p.LatestSnapshot.toSnapshot(p.Username)
		// Player-level efficiency is authoritative over the snapshot's computed block
		snap.EHP, snap.EHB = p.EHP, p.EHB
		details.Latest = snap
	}
	return details
}

// toSnapshot flattens the nested stats into totals plus one category row
// per skill, boss and activity. Unranked entries (negative values) are
// dropped.
func (s snapshotWire) toSnapshot(username string) *model.Snapshot {
	snap := &model.Snapshot{
		Username: username,
		TakenAt:  s.CreatedAt.UTC(),
		EHP:      s.Data.Computed["ehp"].Value,
		EHB:      s.Data.Computed["ehb"].Value,
	}

	for name, v := range s.Data.Skills {
		if name == "overall" {
			snap.TotalXP = max(v.Experience, 0)
			continue
		}
		if v.Experience >= 0 {
			snap.Categories = append(snap.Categories, model.CategoryScore{
				Kind: model.CategorySkill, Name: name, Value: v.Experience, Rank: v.Rank,
			})
		}
	}
	for name, v := range s.Data.Bosses {
		if v.Kills > 0 {
			snap.TotalBossKills += v.Kills
		}
		if v.Kills >= 0 {
			snap.Categories = append(snap.Categories, model.CategoryScore{
				Kind: model.CategoryBoss, Name: name, Value: v.Kills, Rank: v.Rank,
			})
		}
	}
	for name, v := range s.Data.Activities {
		if v.Score >= 0 {
			snap.Categories = append(snap.Categories, model.CategoryScore{
				Kind: model.CategoryActivity, Name: name, Value: v.Score, Rank: v.Rank,
			})
		}
	}

	slices.SortFunc(snap.Categories, func(a, b model.CategoryScore) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.Name, b.Name))
	})
	return snap
}
