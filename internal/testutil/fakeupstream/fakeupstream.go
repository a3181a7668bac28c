// Package fakeupstream serves in-process stand-ins for the stats provider and
// the chat platform so the full stack can be exercised without the network.
package fakeupstream

import (
	"cmp"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/mcoot/clanharvest/internal/discord"
)

// Player is one roster member as the stats provider reports it
type Player struct {
	Username  string
	Role      string
	TotalXP   int64
	Zulrah    int64
	TakenAt   time.Time
	UpdatedAt time.Time
}

// Rename is an approved name change
type Rename struct {
	OldName string
	NewName string
	At      time.Time
}

// Stats fakes the stats provider's group, player and name endpoints
type Stats struct {
	Server *httptest.Server

	mu       sync.Mutex
	groupID  string
	roster   []Player
	renames  []Rename
	requests []string
}

// NewStats starts a fake stats provider that is closed with the test
func NewStats(t testing.TB, groupID string) *Stats {
	t.Helper()
	f := &Stats{groupID: groupID}

	r := mux.NewRouter()
	r.HandleFunc("/groups/{id}", f.group).Methods(http.MethodGet)
	r.HandleFunc("/groups/{id}/update-all", f.updateAll).Methods(http.MethodPost)
	r.HandleFunc("/players/{username}", f.player).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/players/{username}/snapshots", f.snapshots).Methods(http.MethodGet)
	r.HandleFunc("/players/{username}/names", f.playerNames).Methods(http.MethodGet)
	r.HandleFunc("/names", f.searchNames).Methods(http.MethodGet)

	f.Server = httptest.NewServer(f.record(r))
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the base URL to configure the stats client with
func (f *Stats) URL() string {
	return f.Server.URL
}

// SetRoster replaces the group membership
func (f *Stats) SetRoster(players ...Player) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roster = slices.Clone(players)
}

// AddRename records an approved rename
func (f *Stats) AddRename(oldName, newName string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames = append(f.renames, Rename{OldName: oldName, NewName: newName, At: at})
}

// Requests returns "METHOD /path" for every request served so far
func (f *Stats) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

// CountRequests counts served requests whose "METHOD /path" has prefix
func (f *Stats) CountRequests(prefix string) int {
	n := 0
	for _, r := range f.Requests() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (f *Stats) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (f *Stats) find(username string) (Player, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.roster {
		if strings.EqualFold(p.Username, username) {
			return p, true
		}
	}
	return Player{}, false
}

func (f *Stats) group(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["id"] != f.groupID {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Group not found."})
		return
	}

	f.mu.Lock()
	memberships := make([]map[string]any, 0, len(f.roster))
	for _, p := range f.roster {
		memberships = append(memberships, map[string]any{
			"role":      p.Role,
			"createdAt": p.TakenAt.Add(-30 * 24 * time.Hour),
			"player":    map[string]any{"username": strings.ToLower(p.Username), "displayName": p.Username},
		})
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"id": 1, "name": "fake", "memberships": memberships})
}

func (f *Stats) updateAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VerificationCode string `json:"verificationCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.VerificationCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "verificationCode required"})
		return
	}
	f.mu.Lock()
	n := len(f.roster)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"count": n})
}

func (f *Stats) player(w http.ResponseWriter, r *http.Request) {
	p, ok := f.find(mux.Vars(r)["username"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Player not found."})
		return
	}
	writeJSON(w, http.StatusOK, playerBody(p))
}

func (f *Stats) snapshots(w http.ResponseWriter, r *http.Request) {
	p, ok := f.find(mux.Vars(r)["username"])
	if !ok || r.URL.Query().Get("offset") != "0" {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	older := p
	older.TakenAt = p.TakenAt.Add(-7 * 24 * time.Hour)
	older.TotalXP = p.TotalXP / 2
	writeJSON(w, http.StatusOK, []any{snapshotBody(p), snapshotBody(older)})
}

func (f *Stats) playerNames(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]any
	for _, rn := range f.renames {
		if strings.EqualFold(rn.NewName, username) || strings.EqualFold(rn.OldName, username) {
			out = append(out, renameBody(rn))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *Stats) searchNames(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []map[string]any{}
	for _, rn := range f.renames {
		if strings.Contains(strings.ToLower(rn.OldName), strings.ToLower(username)) ||
			strings.Contains(strings.ToLower(rn.NewName), strings.ToLower(username)) {
			out = append(out, renameBody(rn))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func playerBody(p Player) map[string]any {
	return map[string]any{
		"username":       strings.ToLower(p.Username),
		"displayName":    p.Username,
		"ehp":            float64(p.TotalXP) / 1e6,
		"ehb":            float64(p.Zulrah) / 100,
		"updatedAt":      p.UpdatedAt,
		"latestSnapshot": snapshotBody(p),
	}
}

func snapshotBody(p Player) map[string]any {
	return map[string]any{
		"createdAt": p.TakenAt,
		"data": map[string]any{
			"skills": map[string]any{
				"overall":     map[string]int64{"experience": p.TotalXP, "rank": 1000},
				"attack":      map[string]int64{"experience": p.TotalXP / 4, "rank": 2000},
				"woodcutting": map[string]int64{"experience": -1, "rank": -1},
			},
			"bosses": map[string]any{
				"zulrah": map[string]int64{"kills": p.Zulrah, "rank": 500},
			},
			"activities": map[string]any{},
			"computed":   map[string]any{},
		},
	}
}

func renameBody(rn Rename) map[string]any {
	return map[string]any{
		"oldName":   rn.OldName,
		"newName":   rn.NewName,
		"status":    "approved",
		"createdAt": rn.At,
	}
}

// Message is one chat message in a fake channel
type Message struct {
	Author  string
	Bot     bool
	Content string
	At      time.Time
}

// Chat fakes the chat platform's channel history endpoint
type Chat struct {
	Server *httptest.Server

	mu       sync.Mutex
	channels map[string][]chatMessage
	seq      uint64
}

type chatMessage struct {
	Message
	id uint64
}

// NewChat starts a fake chat API that is closed with the test
func NewChat(t testing.TB) *Chat {
	t.Helper()
	f := &Chat{channels: make(map[string][]chatMessage)}

	r := mux.NewRouter()
	r.HandleFunc("/channels/{id}/messages", f.messages).Methods(http.MethodGet)
	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the base URL to configure the chat source with
func (f *Chat) URL() string {
	return f.Server.URL
}

// Post adds messages to channelID, assigning ids from their timestamps
func (f *Chat) Post(channelID string, msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.seq++
		f.channels[channelID] = append(f.channels[channelID], chatMessage{
			Message: m,
			id:      discord.SnowflakeFromTime(m.At) + f.seq%(1<<22),
		})
	}
}

func (f *Chat) messages(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	f.mu.Lock()
	var page []chatMessage
	for _, m := range f.channels[mux.Vars(r)["id"]] {
		if m.id > after {
			page = append(page, m)
		}
	}
	f.mu.Unlock()

	// Oldest after the cursor first, then newest first on the wire
	slices.SortFunc(page, func(a, b chatMessage) int { return cmp.Compare(a.id, b.id) })
	if len(page) > limit {
		page = page[:limit]
	}
	slices.Reverse(page)

	out := make([]map[string]any, 0, len(page))
	for _, m := range page {
		out = append(out, map[string]any{
			"id":        strconv.FormatUint(m.id, 10),
			"content":   m.Content,
			"timestamp": m.At,
			"author": map[string]any{
				"id":       "a-" + strings.ToLower(m.Author),
				"username": m.Author,
				"bot":      m.Bot,
			},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
