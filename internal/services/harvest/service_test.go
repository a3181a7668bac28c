package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mcoot/clanharvest/internal/dependencies/mocks"
	"github.com/mcoot/clanharvest/internal/gateway"
	"github.com/mcoot/clanharvest/internal/metrics"
	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/services/alias"
	"github.com/mcoot/clanharvest/internal/services/reconcile"
	"github.com/mcoot/clanharvest/internal/storage/memory"
	"github.com/mcoot/clanharvest/internal/testutil"
)

type ServiceSuite struct {
	suite.Suite
	storage *memory.Storage
	clock   *mocks.MockClock
	stats   *fakeStats
	source  *fakeSource
	ledger  *alias.Ledger
	events  *recordingPublisher
	logs    *testutil.LogBuffer
	cfg     Config
	ctx     context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.storage = memory.New()
	s.clock = mocks.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	s.stats = newFakeStats(s.clock.Now().Add(-time.Hour))
	s.source = &fakeSource{name: "discord:1"}
	s.ledger = alias.New(s.storage, s.stats, s.clock, testutil.NopLogger())
	s.events = &recordingPublisher{}
	s.cfg = DefaultConfig()
	s.cfg.GroupID = "42"
	s.ctx = context.Background()
}

func (s *ServiceSuite) service() *Service {
	m := metrics.New()
	logger, logs := testutil.CaptureLogger()
	s.logs = logs
	return New(Dependencies{
		Storage:    s.storage,
		Stats:      s.stats,
		Sources:    []MessageSource{s.source},
		Ledger:     s.ledger,
		Reconciler: reconcile.New(s.storage, s.ledger, s.stats, s.clock, m, logger),
		Clock:      s.clock,
		Sleep:      s.clock.Sleep,
		Metrics:    m,
		Logger:     logger,
		Events:     s.events,
	}, s.cfg)
}

func names(prefix string, n int) []model.RosterEntry {
	out := make([]model.RosterEntry, n)
	for i := range out {
		out[i] = model.RosterEntry{Username: fmt.Sprintf("%s %03d", prefix, i), Role: "member"}
	}
	return out
}

func (s *ServiceSuite) memberCount() int {
	members, err := s.storage.ListMembers(s.ctx)
	s.Require().NoError(err)
	return len(members)
}

// Run tests

func (s *ServiceSuite) TestFirstRun() {
	s.stats.roster = []model.RosterEntry{
		{Username: "Zezima", Role: "owner"},
		{Username: "Lynx Titan", Role: "member"},
		{Username: "B0aty", Role: "member"},
	}
	s.source.messages = []model.Message{
		{ID: "1", Author: "Zezima", CreatedAt: s.cfg.MessageCutoff.Add(time.Hour)},
		{ID: "2", Author: "B0aty", CreatedAt: s.cfg.MessageCutoff.Add(2 * time.Hour)},
	}

	summary, err := s.service().Run(s.ctx)
	s.Require().NoError(err)

	s.NotEmpty(summary.RunID)
	s.Equal(3, summary.Roster)
	s.Equal(3, summary.Added)
	s.Equal(0, summary.Deleted)
	s.Equal(3, summary.SnapshotsSaved)
	s.Equal(2, summary.MessagesInserted)
	s.Equal(int64(1000), summary.Stats["Lynx Titan"].TotalXP)
	s.Equal(3, s.memberCount())

	id, ok, err := s.ledger.Resolve(s.ctx, "lynx_titan")
	s.Require().NoError(err)
	s.True(ok)
	snap, err := s.storage.LatestSnapshot(s.ctx, "Lynx Titan")
	s.Require().NoError(err)
	s.Equal(id, snap.MemberID)

	msgs, err := s.storage.ListMessages(s.ctx, "discord:1", 0)
	s.Require().NoError(err)
	s.Equal("discord:1", msgs[0].Source)
}

func (s *ServiceSuite) TestSecondRunSameDayReusesSnapshots() {
	s.stats.roster = names("player", 5)
	svc := s.service()
	_, err := svc.Run(s.ctx)
	s.Require().NoError(err)
	s.stats.detailCalls = nil

	s.clock.Advance(time.Hour)
	summary, err := svc.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(5, summary.SnapshotsFresh)
	s.Equal(0, summary.SnapshotsSaved)
	s.Empty(s.stats.detailCalls)
	s.True(summary.Stats["player 000"].Fresh)
}

func (s *ServiceSuite) TestRosterFailureIsFatal() {
	s.stats.rosterErr = errors.New("boom")

	summary, err := s.service().Run(s.ctx)
	s.Error(err)
	s.Nil(summary)
}

func (s *ServiceSuite) TestRunPublishesLifecycleEvents() {
	s.stats.roster = names("player", 2)

	summary, err := s.service().Run(s.ctx)
	s.Require().NoError(err)

	s.Equal([]string{EventStarted, EventFinished}, s.events.names())
	s.Equal(RunEvent{RunID: summary.RunID, At: summary.StartedAt}, s.events.published[0].data)
	s.Same(summary, s.events.published[1].data)
}

func (s *ServiceSuite) TestFailedRunPublishesError() {
	s.stats.rosterErr = errors.New("boom")

	_, err := s.service().Run(s.ctx)
	s.Require().Error(err)

	s.Equal([]string{EventStarted, EventFailed}, s.events.names())
	failed, ok := s.events.published[1].data.(RunEvent)
	s.Require().True(ok)
	s.Contains(failed.Error, "boom")
}

func (s *ServiceSuite) TestAuthFailureAbortsRun() {
	s.stats.roster = names("player", 3)
	s.stats.playerErrs["player 001"] = fmt.Errorf("get player: %w", gateway.ErrAuth)

	summary, err := s.service().Run(s.ctx)
	s.ErrorIs(err, gateway.ErrAuth)
	s.Nil(summary)
}

func (s *ServiceSuite) TestRosterLimit() {
	s.stats.roster = names("player", 10)
	s.cfg.RosterLimit = 4

	summary, err := s.service().Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(4, summary.Roster)
	s.Equal(4, s.memberCount())
}

func (s *ServiceSuite) TestGroupRefreshWaitsForPropagation() {
	s.stats.roster = names("player", 1)
	s.cfg.GroupSecret = "123-456"
	s.cfg.GroupUpdateWait = 5 * time.Minute

	_, err := s.service().Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, s.stats.updateCalls)
	s.Equal([]time.Duration{5 * time.Minute}, s.clock.Sleeps())
}

func (s *ServiceSuite) TestGroupRefreshFailureIsNotFatal() {
	s.stats.roster = names("player", 1)
	s.cfg.GroupSecret = "123-456"
	s.stats.updateErr = fmt.Errorf("update: %w", gateway.ErrTransient)

	summary, err := s.service().Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, summary.Added)
	s.Empty(s.clock.Sleeps())
}

func (s *ServiceSuite) TestGroupRefreshAuthFailureIsFatal() {
	s.cfg.GroupSecret = "wrong"
	s.stats.updateErr = fmt.Errorf("update: %w", gateway.ErrAuth)

	_, err := s.service().Run(s.ctx)
	s.ErrorIs(err, gateway.ErrAuth)
}

// Rename tests

func (s *ServiceSuite) TestRunMigratesRename() {
	s.stats.roster = []model.RosterEntry{{Username: "Old Guy", Role: "member"}, {Username: "Bob", Role: "member"}}
	svc := s.service()
	_, err := svc.Run(s.ctx)
	s.Require().NoError(err)
	before, err := s.storage.GetMemberByUsername(s.ctx, "Old Guy")
	s.Require().NoError(err)

	s.clock.Advance(24 * time.Hour)
	s.stats.roster = []model.RosterEntry{{Username: "New Guy", Role: "member"}, {Username: "Bob", Role: "member"}}
	s.stats.names["old guy"] = []model.NameChange{{OldName: "Old Guy", NewName: "New Guy", Status: "approved"}}

	summary, err := svc.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, summary.Renamed)
	s.Equal(0, summary.Added)
	s.Equal(0, summary.Deleted)

	after, err := s.storage.GetMemberByUsername(s.ctx, "New Guy")
	s.Require().NoError(err)
	s.Equal(before.ID, after.ID)

	snaps, err := s.storage.ListSnapshots(s.ctx, "New Guy")
	s.Require().NoError(err)
	s.Len(snaps, 1)
}

func (s *ServiceSuite) TestRunAbortsCollidingRename() {
	s.stats.roster = []model.RosterEntry{{Username: "Old Guy"}, {Username: "New Guy"}}
	svc := s.service()
	_, err := svc.Run(s.ctx)
	s.Require().NoError(err)

	s.stats.roster = []model.RosterEntry{{Username: "New Guy"}}
	s.stats.names["old guy"] = []model.NameChange{{OldName: "Old Guy", NewName: "New Guy", Status: "approved"}}

	summary, err := svc.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, summary.Collisions)
	s.Equal(0, summary.Renamed)

	_, err = s.storage.GetMemberByUsername(s.ctx, "Old Guy")
	s.NoError(err, "colliding member is left for manual repair")

	s.Contains(s.logs.String(), "level=ERROR")
	s.Contains(s.logs.String(), "critical: rename target already belongs to a member")
}

func (s *ServiceSuite) TestMisassignedAliasDoesNotAbortRun() {
	s.stats.roster = []model.RosterEntry{{Username: "Alpha"}, {Username: "Beta"}}
	svc := s.service()
	_, err := svc.Run(s.ctx)
	s.Require().NoError(err)

	beta, err := s.storage.GetMemberByUsername(s.ctx, "Beta")
	s.Require().NoError(err)
	alias, err := s.storage.GetAlias(s.ctx, "alpha")
	s.Require().NoError(err)
	alias.MemberID = beta.ID
	s.Require().NoError(s.storage.SaveAlias(s.ctx, alias))

	summary, err := svc.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, summary.MemberErrors)
	s.True(summary.DeleteSkipped)
	s.Equal(0, summary.Deleted)
	s.Equal(2, s.memberCount())
	s.Contains(s.logs.String(), "roster entry not synced")

	// The unaffected member is still harvested
	_, ok := summary.Stats["Beta"]
	s.True(ok)
}

// SyncMembership tests

func (s *ServiceSuite) TestSafeDeleteBlocksLargeDrop() {
	svc := s.service()
	full := names("member", 100)
	_, err := svc.SyncMembership(s.ctx, full)
	s.Require().NoError(err)

	result, err := svc.SyncMembership(s.ctx, full[:70])
	s.Require().NoError(err)
	s.True(result.DeleteSkipped)
	s.Equal(0, result.Deleted)
	s.Len(result.Members, 70)
	s.Equal(100, s.memberCount())
	s.Contains(s.logs.String(), `level=WARN msg="skipping member delete"`)
}

func (s *ServiceSuite) TestSafeDeleteAllowsSmallDrop() {
	svc := s.service()
	full := names("member", 100)
	_, err := svc.SyncMembership(s.ctx, full)
	s.Require().NoError(err)

	result, err := svc.SyncMembership(s.ctx, full[:85])
	s.Require().NoError(err)
	s.False(result.DeleteSkipped)
	s.Equal(15, result.Deleted)
	s.Equal(85, s.memberCount())
	s.NotContains(s.logs.String(), "skipping member delete")
}

func (s *ServiceSuite) TestSyncUpdatesRoleAndJoinDate() {
	svc := s.service()
	_, err := svc.SyncMembership(s.ctx, []model.RosterEntry{{Username: "Zezima", Role: "member"}})
	s.Require().NoError(err)

	joined := time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC)
	result, err := svc.SyncMembership(s.ctx, []model.RosterEntry{{Username: "Zezima", Role: "owner", JoinedAt: joined}})
	s.Require().NoError(err)
	s.Equal(1, result.Updated)

	m, err := s.storage.GetMemberByUsername(s.ctx, "zezima")
	s.Require().NoError(err)
	s.Equal("owner", m.Role)
	s.True(joined.Equal(m.JoinedAt))
}

func (s *ServiceSuite) TestSyncRestoresDeletedMemberWithSameID() {
	svc := s.service()
	first, err := svc.SyncMembership(s.ctx, []model.RosterEntry{{Username: "Returner"}})
	s.Require().NoError(err)
	id := first.Members[0].ID
	s.Require().NoError(s.storage.DeleteMembers(s.ctx, []model.MemberID{id}))

	result, err := svc.SyncMembership(s.ctx, []model.RosterEntry{{Username: "returner"}})
	s.Require().NoError(err)
	s.Equal(1, result.Restored)
	s.Equal(id, result.Members[0].ID)
}

func (s *ServiceSuite) TestSyncDoesNotMergeSeparatorVariants() {
	svc := s.service()
	result, err := svc.SyncMembership(s.ctx, []model.RosterEntry{{Username: "Noob Man"}, {Username: "NoobMan"}})
	s.Require().NoError(err)
	s.Equal(1, result.Added)
	s.Len(result.Members, 1)
	s.Equal("Noob Man", result.Members[0].Username)
}

func (s *ServiceSuite) TestEveryMemberHasAnAlias() {
	svc := s.service()
	result, err := svc.SyncMembership(s.ctx, names("m", 10))
	s.Require().NoError(err)
	for _, m := range result.Members {
		aliases, err := s.ledger.ListAliases(s.ctx, m.ID)
		s.Require().NoError(err)
		s.Len(aliases, 1)
		s.True(aliases[0].IsCurrent)
	}
}

// HarvestSnapshots tests

func (s *ServiceSuite) TestFreshMemberIsSkippedWithoutCall() {
	s.Require().NoError(s.storage.SaveSnapshot(s.ctx, &model.Snapshot{
		Username: "Zezima", TakenAt: s.clock.Now().Add(-2 * time.Hour), TotalXP: 99,
	}))

	result, err := s.service().HarvestSnapshots(s.ctx, []model.RosterEntry{{Username: "zezima"}})
	s.Require().NoError(err)
	s.Equal(1, result.Fresh)
	s.Equal(0, result.Saved)
	s.Empty(s.stats.detailCalls)
	s.Equal(int64(99), result.Stats["zezima"].TotalXP)
}

func (s *ServiceSuite) TestYesterdaysSnapshotIsNotFresh() {
	s.Require().NoError(s.storage.SaveSnapshot(s.ctx, &model.Snapshot{
		Username: "Zezima", TakenAt: s.clock.Now().Add(-13 * time.Hour),
	}))

	result, err := s.service().HarvestSnapshots(s.ctx, []model.RosterEntry{{Username: "Zezima"}})
	s.Require().NoError(err)
	s.Equal(0, result.Fresh)
	s.Equal(1, result.Saved)
	s.Equal([]string{"zezima"}, s.stats.detailCalls)
}

func (s *ServiceSuite) TestFreshWithinOverridesDayBoundary() {
	s.cfg.FreshWithin = 30 * time.Minute
	s.Require().NoError(s.storage.SaveSnapshot(s.ctx, &model.Snapshot{
		Username: "Zezima", TakenAt: s.clock.Now().Add(-2 * time.Hour),
	}))

	result, err := s.service().HarvestSnapshots(s.ctx, []model.RosterEntry{{Username: "Zezima"}})
	s.Require().NoError(err)
	s.Equal(0, result.Fresh)
	s.Len(s.stats.detailCalls, 1)
}

func (s *ServiceSuite) TestDuplicateProviderSnapshotIsCounted() {
	taken := s.clock.Now().Add(-30 * time.Hour)
	s.Require().NoError(s.storage.SaveSnapshot(s.ctx, &model.Snapshot{Username: "Idle", TakenAt: taken}))
	s.stats.players["idle"] = &model.PlayerDetails{
		Username: "Idle", UpdatedAt: s.clock.Now(), Latest: &model.Snapshot{TakenAt: taken},
	}

	result, err := s.service().HarvestSnapshots(s.ctx, []model.RosterEntry{{Username: "Idle"}})
	s.Require().NoError(err)
	s.Equal(1, result.Duplicate)
	s.Equal(0, result.Saved)
}

func (s *ServiceSuite) TestStalePlayerIsRescanned() {
	s.stats.players["stale"] = &model.PlayerDetails{
		Username:  "Stale",
		UpdatedAt: s.clock.Now().Add(-72 * time.Hour),
		Latest:    &model.Snapshot{TakenAt: s.clock.Now().Add(-72 * time.Hour), TotalXP: 1},
	}

	result, err := s.service().HarvestSnapshots(s.ctx, []model.RosterEntry{{Username: "Stale"}})
	s.Require().NoError(err)
	s.Equal(1, result.Rescans)
	s.Equal([]string{"stale"}, s.stats.rescanCalls)
	s.Equal(int64(2000), result.Stats["Stale"].TotalXP)
}

func (s *ServiceSuite) TestFailedRescanFallsBack() {
	s.stats.players["stale"] = &model.PlayerDetails{
		Username:  "Stale",
		UpdatedAt: s.clock.Now().Add(-72 * time.Hour),
		Latest:    &model.Snapshot{TakenAt: s.clock.Now().Add(-72 * time.Hour), TotalXP: 1},
	}
	s.stats.rescanErr = fmt.Errorf("rescan: %w", gateway.ErrTransient)

	result, err := s.service().HarvestSnapshots(s.ctx, []model.RosterEntry{{Username: "Stale"}})
	s.Require().NoError(err)
	s.Equal(0, result.Rescans)
	s.Equal(1, result.Saved)
	s.Equal(int64(1), result.Stats["Stale"].TotalXP)
}

func (s *ServiceSuite) TestMemberFailuresAreIsolated() {
	roster := names("player", 6)
	s.stats.playerErrs["player 002"] = fmt.Errorf("get: %w", gateway.ErrTransient)
	s.stats.playerErrs["player 004"] = fmt.Errorf("get: %w", gateway.ErrClient)

	result, err := s.service().HarvestSnapshots(s.ctx, roster)
	s.Require().NoError(err)
	s.Equal(2, result.Errors)
	s.Equal(4, result.Saved)
}

func (s *ServiceSuite) TestHistoryBackfillForNewMembers() {
	s.cfg.HistoryBackfill = true
	s.stats.history["newbie"] = []*model.Snapshot{
		{TakenAt: s.clock.Now().Add(-48 * time.Hour), TotalXP: 10},
		{TakenAt: s.clock.Now().Add(-time.Hour), TotalXP: 1000},
	}

	result, err := s.service().HarvestSnapshots(s.ctx, []model.RosterEntry{{Username: "Newbie"}})
	s.Require().NoError(err)
	s.Equal(2, result.Saved)

	snaps, err := s.storage.ListSnapshots(s.ctx, "Newbie")
	s.Require().NoError(err)
	s.Len(snaps, 2)
	s.Equal([]string{"newbie"}, s.stats.historyCalls)
}

func (s *ServiceSuite) TestSnapshotForUnknownNameIsUnresolved() {
	result, err := s.service().HarvestSnapshots(s.ctx, []model.RosterEntry{{Username: "Stranger"}})
	s.Require().NoError(err)
	s.Equal(1, result.Saved)

	snap, err := s.storage.LatestSnapshot(s.ctx, "Stranger")
	s.Require().NoError(err)
	s.Zero(snap.MemberID)
}

// SyncMessages tests

func (s *ServiceSuite) TestEmptySourceFetchesFromCutoff() {
	result, err := s.service().SyncMessages(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, result.Inserted)
	s.Equal([]fetchCall{{start: s.cfg.MessageCutoff}}, s.source.calls)
}

func (s *ServiceSuite) TestGapIsBackfilledThenForwardSynced() {
	cutoff := s.cfg.MessageCutoff
	earliest := cutoff.Add(72 * time.Hour)
	latest := cutoff.Add(96 * time.Hour)
	_, _, err := s.storage.InsertMessages(s.ctx, []model.Message{
		{ID: "e", Source: "discord:1", CreatedAt: earliest},
		{ID: "l", Source: "discord:1", CreatedAt: latest},
	})
	s.Require().NoError(err)
	s.source.messages = []model.Message{
		{ID: "gap", CreatedAt: cutoff.Add(time.Hour)},
		{ID: "e", CreatedAt: earliest},
		{ID: "l", CreatedAt: latest},
		{ID: "new", CreatedAt: latest.Add(time.Hour)},
	}

	result, err := s.service().SyncMessages(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, result.Inserted)
	s.Equal(1, result.Skipped)
	s.Equal([]fetchCall{
		{start: cutoff, end: earliest},
		{start: latest},
	}, s.source.calls)
}

func (s *ServiceSuite) TestInterruptedGapIsRetriedWhole() {
	cutoff := s.cfg.MessageCutoff
	earliest := cutoff.Add(72 * time.Hour)
	_, _, err := s.storage.InsertMessages(s.ctx, []model.Message{
		{ID: "e", Source: "discord:1", CreatedAt: earliest},
	})
	s.Require().NoError(err)
	s.source.messages = []model.Message{
		{ID: "g1", CreatedAt: cutoff.Add(time.Hour)},
		{ID: "g2", CreatedAt: cutoff.Add(2 * time.Hour)},
		{ID: "g3", CreatedAt: cutoff.Add(3 * time.Hour)},
		{ID: "e", CreatedAt: earliest},
	}
	s.source.err = fmt.Errorf("fetch: %w", gateway.ErrTransient)
	s.source.failAfter = 1
	svc := s.service()

	result, err := svc.SyncMessages(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Errors)
	s.Equal(0, result.Inserted)
	stored, err := s.storage.ListMessages(s.ctx, "discord:1", 0)
	s.Require().NoError(err)
	s.Len(stored, 1, "partial gap is not stored")

	s.source.err = nil
	s.source.failAfter = 0
	result, err = svc.SyncMessages(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, result.Errors)
	s.Equal(3, result.Inserted)
	stored, err = s.storage.ListMessages(s.ctx, "discord:1", 0)
	s.Require().NoError(err)
	s.Len(stored, 4)
}

func (s *ServiceSuite) TestGapInsertFailureKeepsStoredRangeContiguous() {
	s.cfg.MessageBatchSize = 2
	cutoff := s.cfg.MessageCutoff
	day := 24 * time.Hour
	earliest := cutoff.Add(10 * day)
	_, _, err := s.storage.InsertMessages(s.ctx, []model.Message{
		{ID: "e", Source: "discord:1", CreatedAt: earliest},
	})
	s.Require().NoError(err)
	for i := range 5 {
		s.source.messages = append(s.source.messages, model.Message{
			ID: fmt.Sprintf("g%d", i), CreatedAt: cutoff.Add(time.Duration(i+1) * day),
		})
	}
	svc := s.service()
	svc.storage = &failingInserts{Storage: s.storage, failOn: 2}

	result, err := svc.SyncMessages(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Errors)
	s.Equal(2, result.Inserted)

	// The newest gap batch landed; the older ones remain a gap
	got, _, err := s.storage.MessageBounds(s.ctx, "discord:1")
	s.Require().NoError(err)
	s.True(got.Equal(cutoff.Add(4*day)), got)

	svc.storage = s.storage
	result, err = svc.SyncMessages(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, result.Inserted)
	got, _, err = s.storage.MessageBounds(s.ctx, "discord:1")
	s.Require().NoError(err)
	s.True(got.Equal(cutoff.Add(day)), got)
}

func (s *ServiceSuite) TestForwardSyncKeepsSameInstantSiblings() {
	latest := s.cfg.MessageCutoff.Add(time.Hour)
	_, _, err := s.storage.InsertMessages(s.ctx, []model.Message{
		{ID: "a", Source: "discord:1", CreatedAt: latest},
	})
	s.Require().NoError(err)
	s.source.messages = []model.Message{
		{ID: "a", CreatedAt: latest},
		{ID: "b", CreatedAt: latest},
	}

	result, err := s.service().SyncMessages(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Inserted)
	s.Equal(1, result.Skipped)

	stored, err := s.storage.ListMessages(s.ctx, "discord:1", 0)
	s.Require().NoError(err)
	s.Len(stored, 2)
}

func (s *ServiceSuite) TestSmallGapIsTolerated() {
	cutoff := s.cfg.MessageCutoff
	_, _, err := s.storage.InsertMessages(s.ctx, []model.Message{
		{ID: "e", Source: "discord:1", CreatedAt: cutoff.Add(12 * time.Hour)},
	})
	s.Require().NoError(err)

	_, err = s.service().SyncMessages(s.ctx)
	s.Require().NoError(err)
	s.Len(s.source.calls, 1)
}

func (s *ServiceSuite) TestMessageBatchingAndDuplicates() {
	s.cfg.MessageBatchSize = 3
	for i := range 10 {
		s.source.messages = append(s.source.messages, model.Message{
			ID: fmt.Sprintf("m%d", i), CreatedAt: s.cfg.MessageCutoff.Add(time.Duration(i) * time.Minute),
		})
	}
	svc := s.service()

	result, err := svc.SyncMessages(s.ctx)
	s.Require().NoError(err)
	s.Equal(10, result.Inserted)

	stored, err := s.storage.ListMessages(s.ctx, "discord:1", 0)
	s.Require().NoError(err)
	s.Len(stored, 10)
}

func (s *ServiceSuite) TestFailingSourceDoesNotStopOthers() {
	s.source.messages = []model.Message{{ID: "ok-before-error", CreatedAt: s.cfg.MessageCutoff.Add(time.Minute)}}
	s.source.err = fmt.Errorf("fetch: %w", gateway.ErrTransient)
	other := &fakeSource{name: "discord:2", messages: []model.Message{{ID: "x", CreatedAt: s.cfg.MessageCutoff.Add(time.Hour)}}}

	svc := s.service()
	svc.sources = append(svc.sources, other)

	result, err := svc.SyncMessages(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Errors)
	s.Equal(2, result.Inserted)
}

// Schedule tests

func (s *ServiceSuite) TestScheduleRejectsBadSpec() {
	_, err := s.service().Schedule(s.ctx, "not a cron spec")
	s.Error(err)

	c, err := s.service().Schedule(s.ctx, "0 */6 * * *")
	s.Require().NoError(err)
	s.Len(c.Entries(), 1)
}
