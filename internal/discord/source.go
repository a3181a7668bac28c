// Package discord reads channel history over the Discord REST API and
// exposes it as a message source for the harvester.
package discord

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mcoot/clanharvest/internal/gateway"
	"github.com/mcoot/clanharvest/internal/model"
)

const (
	// DefaultBaseURL is the REST API root
	DefaultBaseURL = "https://discord.com/api/v10"

	pageSize = 100
)

// relayPattern matches the bridged in-game chat format "**Name**: text"
var relayPattern = regexp.MustCompile(`\*\*(.+?)\*\*:`)

// Requester is the subset of gateway.Gateway the source needs
type Requester interface {
	Do(ctx context.Context, req gateway.Request) ([]byte, error)
}

// ChannelSource fetches the history of one text channel
type ChannelSource struct {
	gw        Requester
	channelID string
	// relayAuthors lists lowercase usernames whose messages carry the real
	// author in bold. When empty every bot account is treated as a relay.
	relayAuthors map[string]bool
}

// NewChannelSource creates a source for channelID
func NewChannelSource(gw Requester, channelID string, relayAuthors []string) *ChannelSource {
	relays := make(map[string]bool, len(relayAuthors))
	for _, name := range relayAuthors {
		relays[strings.ToLower(strings.TrimSpace(name))] = true
	}
	return &ChannelSource{gw: gw, channelID: channelID, relayAuthors: relays}
}

// Name identifies the source in stored messages
func (c *ChannelSource) Name() string {
	return "discord:" + c.channelID
}

type wireMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Author    struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		GlobalName string `json:"global_name"`
		Bot        bool   `json:"bot"`
	} `json:"author"`
	Member *struct {
		Nick string `json:"nick"`
	} `json:"member"`

	snowflake uint64
}

// FetchMessages yields messages created in [start, end) oldest first. A
// zero end means no upper bound. Iteration stops at the first error, which
// is yielded.
func (c *ChannelSource) FetchMessages(ctx context.Context, start, end time.Time) iter.Seq2[model.Message, error] {
	return func(yield func(model.Message, error) bool) {
		after := SnowflakeFromTime(start)
		if after > 0 {
			// after is exclusive, step back so messages at start are included
			after--
		}

		for {
			page, err := c.fetchPage(ctx, after)
			if err != nil {
				yield(model.Message{}, err)
				return
			}
			for _, wm := range page {
				if wm.Timestamp.Before(start) {
					continue
				}
				if !end.IsZero() && !wm.Timestamp.Before(end) {
					return
				}
				if !yield(c.toMessage(wm), nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].snowflake
		}
	}
}

func (c *ChannelSource) fetchPage(ctx context.Context, after uint64) ([]wireMessage, error) {
	query := url.Values{
		"after": {strconv.FormatUint(after, 10)},
		"limit": {strconv.Itoa(pageSize)},
	}
	body, err := c.gw.Do(ctx, gateway.Request{
		Path:    "/channels/" + url.PathEscape(c.channelID) + "/messages",
		Query:   query,
		NoCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch messages for channel %s after %d: %w", c.channelID, after, err)
	}

	var page []wireMessage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode messages for channel %s: %w", c.channelID, err)
	}
	for i := range page {
		if page[i].snowflake, err = parseSnowflake(page[i].ID); err != nil {
			return nil, fmt.Errorf("message id %q: %w", page[i].ID, err)
		}
		if page[i].Timestamp.IsZero() {
			page[i].Timestamp = TimeFromSnowflake(page[i].snowflake)
		}
	}
	// The API returns newest first
	slices.SortFunc(page, func(a, b wireMessage) int { return cmp.Compare(a.snowflake, b.snowflake) })
	return page, nil
}

func (c *ChannelSource) toMessage(wm wireMessage) model.Message {
	author := wm.Author.Username
	if wm.Author.GlobalName != "" {
		author = wm.Author.GlobalName
	}
	if wm.Member != nil && wm.Member.Nick != "" {
		author = wm.Member.Nick
	}

	if c.isRelay(wm) {
		if m := relayPattern.FindStringSubmatch(wm.Content); m != nil {
			author = strings.TrimSpace(m[1])
		}
	}

	return model.Message{
		ID:        wm.ID,
		Source:    c.Name(),
		AuthorID:  wm.Author.ID,
		Author:    author,
		Content:   wm.Content,
		CreatedAt: wm.Timestamp.UTC(),
	}
}

func (c *ChannelSource) isRelay(wm wireMessage) bool {
	if len(c.relayAuthors) == 0 {
		return wm.Author.Bot
	}
	return c.relayAuthors[strings.ToLower(wm.Author.Username)]
}
