package api_test

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mcoot/clanharvest/internal/api"
	"github.com/mcoot/clanharvest/internal/api/apierr"
	"github.com/mcoot/clanharvest/internal/api/response"
	"github.com/mcoot/clanharvest/internal/factory"
	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/testutil/fakeupstream"
)

const testToken = "ch_test-token"

// testServer creates a test server with all dependencies
type testServer struct {
	handler http.Handler
	app     *factory.TestApp
}

func newTestServer(t *testing.T, withAuth bool) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := factory.TestConfig()
	cfg.Stats.BaseURL = fakeupstream.NewStats(t, "other-group").URL()
	if withAuth {
		hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
		require.NoError(t, err)
		cfg.API.TokenHash = string(hash)
	}
	app, err := factory.NewTestApp(cfg)
	require.NoError(t, err)

	router := api.NewRouter(api.RouterConfig{
		Logger:      logger,
		AuthService: app.AuthService,
		Storage:     app.Storage,
		Ledger:      app.Ledger,
		Metrics:     app.Metrics,
		Events:      app.Events,
	})
	go app.Events.Run()
	t.Cleanup(app.Events.Close)

	return &testServer{handler: router, app: app}
}

func (ts *testServer) request(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

// seedMember stores a member with its primary alias and n daily snapshots
func (ts *testServer) seedMember(t *testing.T, username string, snapshots int) *model.Member {
	t.Helper()
	ctx := t.Context()
	now := ts.app.MockClock.Now()

	member := &model.Member{Username: username, Role: "member", JoinedAt: now.Add(-48 * time.Hour), UpdatedAt: now}
	require.NoError(t, ts.app.Storage.CreateMember(ctx, member))
	_, err := ts.app.Ledger.EnsurePrimaryAlias(ctx, member)
	require.NoError(t, err)

	for i := range snapshots {
		snap := &model.Snapshot{
			MemberID: member.ID,
			Username: username,
			TakenAt:  now.Add(-time.Duration(snapshots-i) * 24 * time.Hour),
			TotalXP:  int64(1000 * (i + 1)),
			Categories: []model.CategoryScore{
				{Kind: model.CategorySkill, Name: "attack", Value: int64(100 * (i + 1)), Rank: 5},
			},
		}
		require.NoError(t, ts.app.Storage.SaveSnapshot(ctx, snap))
	}
	return member
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	return out
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, true)

	rr := ts.request(http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ok")
}

func TestMembersRequireToken(t *testing.T) {
	ts := newTestServer(t, true)

	rr := ts.request(http.MethodGet, "/api/v1/members", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, apierr.CodeUnauthorized, decode[apierr.ErrorResponse](t, rr).Error.Code)

	rr = ts.request(http.MethodGet, "/api/v1/members", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.request(http.MethodGet, "/api/v1/members", testToken)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestNoTokenHashDisablesAuth(t *testing.T) {
	ts := newTestServer(t, false)

	rr := ts.request(http.MethodGet, "/api/v1/members", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestListMembers(t *testing.T) {
	ts := newTestServer(t, true)
	ts.seedMember(t, "Alice", 0)
	ts.seedMember(t, "Bob", 0)

	rr := ts.request(http.MethodGet, "/api/v1/members", testToken)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[response.MembersResponse](t, rr)
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Members, 2)
	assert.Equal(t, "Alice", resp.Members[0].Username)
	assert.NotNil(t, resp.Members[0].JoinedAt)
}

func TestGetMember(t *testing.T) {
	ts := newTestServer(t, true)
	alice := ts.seedMember(t, "Alice", 0)

	rr := ts.request(http.MethodGet, "/api/v1/members/1", testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[response.Member](t, rr)
	assert.Equal(t, int64(alice.ID), resp.ID)
	assert.Equal(t, "member", resp.Role)
}

func TestGetMemberErrors(t *testing.T) {
	ts := newTestServer(t, true)

	rr := ts.request(http.MethodGet, "/api/v1/members/99", testToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, apierr.CodeMemberNotFound, decode[apierr.ErrorResponse](t, rr).Error.Code)

	rr = ts.request(http.MethodGet, "/api/v1/members/abc", testToken)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, apierr.CodeInvalidRequest, decode[apierr.ErrorResponse](t, rr).Error.Code)
}

func TestMemberAliases(t *testing.T) {
	ts := newTestServer(t, true)
	alice := ts.seedMember(t, "Alice", 0)
	_, err := ts.app.Ledger.UpsertAlias(t.Context(), alice.ID, "Old Alice", model.AliasSourceNameChange, ts.app.MockClock.Now(), false)
	require.NoError(t, err)

	rr := ts.request(http.MethodGet, "/api/v1/members/1/aliases", testToken)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[response.AliasesResponse](t, rr)
	require.Len(t, resp.Aliases, 2)
	current := 0
	for _, a := range resp.Aliases {
		if a.IsCurrent {
			current++
			assert.Equal(t, "alice", a.NormalizedName)
		}
	}
	assert.Equal(t, 1, current)
}

func TestMemberSnapshots(t *testing.T) {
	ts := newTestServer(t, true)
	ts.seedMember(t, "Alice", 3)

	rr := ts.request(http.MethodGet, "/api/v1/members/1/snapshots", testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[response.SnapshotsResponse](t, rr)
	require.Len(t, resp.Snapshots, 3)
	assert.Equal(t, int64(1000), resp.Snapshots[0].TotalXP)
	require.Len(t, resp.Snapshots[0].Categories, 1)
	assert.Equal(t, "skill", resp.Snapshots[0].Categories[0].Kind)

	rr = ts.request(http.MethodGet, "/api/v1/members/1/snapshots?limit=1", testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	resp = decode[response.SnapshotsResponse](t, rr)
	require.Len(t, resp.Snapshots, 1)
	assert.Equal(t, int64(3000), resp.Snapshots[0].TotalXP)

	rr = ts.request(http.MethodGet, "/api/v1/members/1/snapshots?limit=0", testToken)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestResolve(t *testing.T) {
	ts := newTestServer(t, true)
	alice := ts.seedMember(t, "Alice Smith", 0)

	rr := ts.request(http.MethodGet, "/api/v1/resolve?name=alice_smith", testToken)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[response.ResolveResponse](t, rr)
	assert.Equal(t, int64(alice.ID), resp.MemberID)
	assert.Equal(t, "Alice Smith", resp.Username)

	rr = ts.request(http.MethodGet, "/api/v1/resolve?name=nobody", testToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, apierr.CodeAliasNotFound, decode[apierr.ErrorResponse](t, rr).Error.Code)

	rr = ts.request(http.MethodGet, "/api/v1/resolve", testToken)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, true)
	ts.app.Metrics.RosterSize.Set(7)

	rr := ts.request(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "clanharvest_")
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t, true)
	server := httptest.NewServer(ts.handler)
	defer server.Close()

	rr := ts.request(http.MethodGet, "/api/v1/events", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, server.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	reader := bufio.NewReader(resp.Body)
	nextEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				return strings.TrimSpace(name)
			}
		}
	}
	require.Equal(t, "connected", nextEvent())

	// The configured group is unknown upstream, so the run fails
	_, err = ts.app.Harvest.Run(t.Context())
	require.Error(t, err)
	assert.Equal(t, "harvest.started", nextEvent())
	assert.Equal(t, "harvest.failed", nextEvent())
}
