// Package wom is the stats provider client for the Wise Old Man API.
// Every call goes through a gateway.Gateway for pacing, retries and caching.
package wom

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mcoot/clanharvest/internal/model"
)

const (
	// DefaultBaseURL is the public v2 API root
	DefaultBaseURL = "https://api.wiseoldman.net/v2"

	snapshotPageSize  = 100
	snapshotOffsetCap = 5000
	nameSearchLimit   = 5
	statusApproved    = "approved"
)

// Requester is the subset of gateway.Gateway the client needs
type Requester interface {
	GetJSON(ctx context.Context, path string, query url.Values, out any) error
	PostJSON(ctx context.Context, path string, body, out any) error
}

// Client implements the harvester's stats provider
type Client struct {
	gw     Requester
	logger *slog.Logger
}

// New creates a Client on top of a configured gateway
func New(gw Requester, logger *slog.Logger) *Client {
	return &Client{gw: gw, logger: logger}
}

func playerPath(username string, suffix ...string) string {
	return "/players/" + url.PathEscape(strings.ToLower(username)) + strings.Join(suffix, "")
}

// GetGroupMembers returns the current roster of a group
func (c *Client) GetGroupMembers(ctx context.Context, groupID string) ([]model.RosterEntry, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("group id is required")
	}

	var group groupDetails
	if err := c.gw.GetJSON(ctx, "/groups/"+url.PathEscape(groupID), nil, &group); err != nil {
		return nil, fmt.Errorf("get group %s: %w", groupID, err)
	}

	roster := make([]model.RosterEntry, 0, len(group.Memberships))
	for _, m := range group.Memberships {
		if m.Player.Username == "" {
			continue
		}
		roster = append(roster, model.RosterEntry{
			Username: m.Player.Username,
			Role:     m.Role,
			JoinedAt: timeOrZero(m.CreatedAt),
		})
	}
	return roster, nil
}

// GetPlayerDetails returns the provider's current view of a player
func (c *Client) GetPlayerDetails(ctx context.Context, username string) (*model.PlayerDetails, error) {
	var p player
	if err := c.gw.GetJSON(ctx, playerPath(username), nil, &p); err != nil {
		return nil, fmt.Errorf("get player %s: %w", username, err)
	}
	return p.toDetails(), nil
}

// RequestRescan asks the provider to re-read a player from the game's
// hiscores and returns the refreshed details.
func (c *Client) RequestRescan(ctx context.Context, username string) (*model.PlayerDetails, error) {
	var p player
	if err := c.gw.PostJSON(ctx, playerPath(username), nil, &p); err != nil {
		return nil, fmt.Errorf("rescan player %s: %w", username, err)
	}
	return p.toDetails(), nil
}

// GetPlayerSnapshots pages through a player's snapshot history, newest
// first as the provider returns them. A zero since fetches everything.
func (c *Client) GetPlayerSnapshots(ctx context.Context, username string, since time.Time) ([]*model.Snapshot, error) {
	var snapshots []*model.Snapshot
	for offset := 0; ; offset += snapshotPageSize {
		query := url.Values{
			"offset": {strconv.Itoa(offset)},
			"limit":  {strconv.Itoa(snapshotPageSize)},
		}
		if !since.IsZero() {
			query.Set("startDate", since.UTC().Format(time.RFC3339))
		}

		var page []snapshotWire
		if err := c.gw.GetJSON(ctx, playerPath(username, "/snapshots"), query, &page); err != nil {
			return snapshots, fmt.Errorf("get snapshots for %s at offset %d: %w", username, offset, err)
		}
		for _, s := range page {
			snapshots = append(snapshots, s.toSnapshot(username))
		}

		if len(page) < snapshotPageSize {
			break
		}
		if offset+snapshotPageSize > snapshotOffsetCap {
			c.logger.Warn("snapshot history truncated",
				slog.String("username", username),
				slog.Int("fetched", len(snapshots)),
			)
			break
		}
	}
	return snapshots, nil
}

// SearchNameChanges finds approved renames whose old or new name matches
func (c *Client) SearchNameChanges(ctx context.Context, name string) ([]model.NameChange, error) {
	query := url.Values{
		"username": {name},
		"status":   {statusApproved},
		"limit":    {strconv.Itoa(nameSearchLimit)},
	}
	var changes []nameChange
	if err := c.gw.GetJSON(ctx, "/names", query, &changes); err != nil {
		return nil, fmt.Errorf("search name changes for %s: %w", name, err)
	}
	return toNameChanges(changes, false), nil
}

// GetPlayerNameChanges returns a player's approved rename history
func (c *Client) GetPlayerNameChanges(ctx context.Context, username string) ([]model.NameChange, error) {
	if strings.TrimSpace(username) == "" {
		return nil, nil
	}
	var changes []nameChange
	if err := c.gw.GetJSON(ctx, playerPath(username, "/names"), nil, &changes); err != nil {
		return nil, fmt.Errorf("get name changes for %s: %w", username, err)
	}
	return toNameChanges(changes, true), nil
}

// UpdateGroup asks the provider to refresh every member of a group. It
// returns the number of players queued.
func (c *Client) UpdateGroup(ctx context.Context, groupID, secret string) (int, error) {
	if secret == "" {
		return 0, fmt.Errorf("group verification code is required")
	}
	var out struct {
		Count   int    `json:"count"`
		Message string `json:"message"`
	}
	body := map[string]string{"verificationCode": secret}
	if err := c.gw.PostJSON(ctx, "/groups/"+url.PathEscape(groupID)+"/update-all", body, &out); err != nil {
		return 0, fmt.Errorf("update group %s: %w", groupID, err)
	}
	return out.Count, nil
}

func toNameChanges(in []nameChange, approvedOnly bool) []model.NameChange {
	out := make([]model.NameChange, 0, len(in))
	for _, nc := range in {
		if approvedOnly && nc.Status != "" && nc.Status != statusApproved {
			continue
		}
		out = append(out, model.NameChange{
			OldName:   nc.OldName,
			NewName:   nc.NewName,
			Status:    nc.Status,
			CreatedAt: nc.CreatedAt.UTC(),
		})
	}
	return out
}
