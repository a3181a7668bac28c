// Package storagetest holds the behaviour every storage backend must share.
// Backend packages run it with suite.Run and their own constructor.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/storage"
)

// Suite exercises a storage.Storage implementation
type Suite struct {
	suite.Suite

	// NewStorage returns an empty store for each test
	NewStorage func(t *testing.T) storage.Storage

	store storage.Storage
	ctx   context.Context
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func (s *Suite) SetupTest() {
	s.store = s.NewStorage(s.T())
	s.ctx = context.Background()
}

func (s *Suite) createMember(username string) *model.Member {
	m := &model.Member{
		Username:  username,
		Role:      "member",
		JoinedAt:  base.Add(-24 * time.Hour),
		CreatedAt: base,
		UpdatedAt: base,
	}
	s.Require().NoError(s.store.CreateMember(s.ctx, m))
	return m
}

func (s *Suite) snapshot(username string, takenAt time.Time, xp int64) *model.Snapshot {
	return &model.Snapshot{
		Username:       username,
		TakenAt:        takenAt,
		TotalXP:        xp,
		TotalBossKills: 12,
		EHP:            10.5,
		EHB:            2.25,
		Categories: []model.CategoryScore{
			{Kind: model.CategorySkill, Name: "overall", Value: xp, Rank: 1000},
			{Kind: model.CategoryBoss, Name: "zulrah", Value: 12, Rank: 5000},
		},
	}
}

// Member tests

func (s *Suite) TestCreateMemberAssignsID() {
	a := s.createMember("Alice")
	b := s.createMember("Bob")

	s.NotZero(a.ID)
	s.NotEqual(a.ID, b.ID)

	got, err := s.store.GetMember(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal("Alice", got.Username)
	s.Equal("member", got.Role)
	s.Equal(base.Add(-24*time.Hour).UnixMilli(), got.JoinedAt.UnixMilli())
}

func (s *Suite) TestCreateMemberHonoursPresetID() {
	m := &model.Member{ID: 42, Username: "Restored", CreatedAt: base, UpdatedAt: base}
	s.Require().NoError(s.store.CreateMember(s.ctx, m))
	s.Equal(model.MemberID(42), m.ID)

	next := s.createMember("Later")
	s.Greater(next.ID, model.MemberID(42))
}

func (s *Suite) TestCreateMemberRejectsDuplicateUsername() {
	s.createMember("Alice")
	err := s.store.CreateMember(s.ctx, &model.Member{Username: "alice", CreatedAt: base, UpdatedAt: base})
	s.ErrorIs(err, model.ErrUsernameTaken)
}

func (s *Suite) TestGetMemberNotFound() {
	_, err := s.store.GetMember(s.ctx, 999)
	s.ErrorIs(err, model.ErrMemberNotFound)

	_, err = s.store.GetMemberByUsername(s.ctx, "nobody")
	s.ErrorIs(err, model.ErrMemberNotFound)
}

func (s *Suite) TestGetMemberByUsernameIgnoresCase() {
	m := s.createMember("Iron Man")

	got, err := s.store.GetMemberByUsername(s.ctx, "IRON MAN")
	s.Require().NoError(err)
	s.Equal(m.ID, got.ID)
}

func (s *Suite) TestUpdateMember() {
	m := s.createMember("Alice")
	m.Username = "Alicia"
	m.Role = "captain"
	m.UpdatedAt = base.Add(time.Hour)
	s.Require().NoError(s.store.UpdateMember(s.ctx, m))

	got, err := s.store.GetMemberByUsername(s.ctx, "alicia")
	s.Require().NoError(err)
	s.Equal("captain", got.Role)
	s.Equal(base.Add(time.Hour).UnixMilli(), got.UpdatedAt.UnixMilli())

	_, err = s.store.GetMemberByUsername(s.ctx, "alice")
	s.ErrorIs(err, model.ErrMemberNotFound)
}

func (s *Suite) TestUpdateMissingMember() {
	err := s.store.UpdateMember(s.ctx, &model.Member{ID: 77, Username: "ghost"})
	s.ErrorIs(err, model.ErrMemberNotFound)
}

func (s *Suite) TestListMembersOrderedByID() {
	a := s.createMember("Alice")
	b := s.createMember("Bob")
	c := s.createMember("Carol")

	members, err := s.store.ListMembers(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(members, 3)
	s.Equal([]model.MemberID{a.ID, b.ID, c.ID}, []model.MemberID{members[0].ID, members[1].ID, members[2].ID})
}

func (s *Suite) TestDeleteMembers() {
	a := s.createMember("Alice")
	b := s.createMember("Bob")
	c := s.createMember("Carol")

	s.Require().NoError(s.store.DeleteMembers(s.ctx, []model.MemberID{a.ID, c.ID}))

	members, err := s.store.ListMembers(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(members, 1)
	s.Equal(b.ID, members[0].ID)

	_, err = s.store.GetMemberByUsername(s.ctx, "Alice")
	s.ErrorIs(err, model.ErrMemberNotFound)

	s.NoError(s.store.DeleteMembers(s.ctx, nil))
}

// Rename tests

func (s *Suite) TestRenameUsernameMovesHistory() {
	m := s.createMember("OldName")
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, s.snapshot("OldName", base, 100)))
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, s.snapshot("OldName", base.Add(time.Hour), 200)))
	_, _, err := s.store.InsertMessages(s.ctx, []model.Message{
		{ID: "1", Source: "chat", Author: "oldname", Content: "hi", CreatedAt: base},
		{ID: "2", Source: "chat", Author: "Someone", Content: "hey", CreatedAt: base},
	})
	s.Require().NoError(err)

	s.Require().NoError(s.store.RenameUsername(s.ctx, "oldname", "NewName"))

	got, err := s.store.GetMemberByUsername(s.ctx, "newname")
	s.Require().NoError(err)
	s.Equal(m.ID, got.ID)
	s.Equal("NewName", got.Username)

	_, err = s.store.GetMemberByUsername(s.ctx, "OldName")
	s.ErrorIs(err, model.ErrMemberNotFound)

	snapshots, err := s.store.ListSnapshots(s.ctx, "NewName")
	s.Require().NoError(err)
	s.Require().Len(snapshots, 2)
	for _, snap := range snapshots {
		s.Equal("NewName", snap.Username)
	}
	old, err := s.store.ListSnapshots(s.ctx, "OldName")
	s.Require().NoError(err)
	s.Empty(old)

	messages, err := s.store.ListMessages(s.ctx, "chat", 0)
	s.Require().NoError(err)
	authors := map[string]string{}
	for _, msg := range messages {
		authors[msg.ID] = msg.Author
	}
	s.Equal(map[string]string{"1": "NewName", "2": "Someone"}, authors)
}

func (s *Suite) TestRenameUsernameRejectsTakenTarget() {
	s.createMember("Alice")
	s.createMember("Bob")

	err := s.store.RenameUsername(s.ctx, "Alice", "bob")
	s.ErrorIs(err, model.ErrUsernameTaken)

	got, err := s.store.GetMemberByUsername(s.ctx, "Alice")
	s.Require().NoError(err)
	s.Equal("Alice", got.Username)
}

func (s *Suite) TestRenameUsernameUnknownMember() {
	err := s.store.RenameUsername(s.ctx, "ghost", "spirit")
	s.ErrorIs(err, model.ErrMemberNotFound)
}

// Alias tests

func (s *Suite) TestSaveAndGetAlias() {
	m := s.createMember("Jo Hn")
	alias := &model.Alias{
		NormalizedName: "john",
		CanonicalName:  "Jo Hn",
		MemberID:       m.ID,
		Source:         model.AliasSourceRoster,
		FirstSeen:      base,
		LastSeen:       base.Add(time.Hour),
		IsCurrent:      true,
	}
	s.Require().NoError(s.store.SaveAlias(s.ctx, alias))

	got, err := s.store.GetAlias(s.ctx, "john")
	s.Require().NoError(err)
	s.Equal(m.ID, got.MemberID)
	s.Equal("Jo Hn", got.CanonicalName)
	s.Equal(model.AliasSourceRoster, got.Source)
	s.True(got.IsCurrent)
	s.Equal(base.UnixMilli(), got.FirstSeen.UnixMilli())
	s.Equal(base.Add(time.Hour).UnixMilli(), got.LastSeen.UnixMilli())
}

func (s *Suite) TestSaveAliasOverwrites() {
	a := s.createMember("Alice")
	b := s.createMember("Bob")
	s.Require().NoError(s.store.SaveAlias(s.ctx, &model.Alias{NormalizedName: "ally", CanonicalName: "Ally", MemberID: a.ID, FirstSeen: base, LastSeen: base}))
	s.Require().NoError(s.store.SaveAlias(s.ctx, &model.Alias{NormalizedName: "ally", CanonicalName: "ALLY", MemberID: b.ID, FirstSeen: base, LastSeen: base}))

	got, err := s.store.GetAlias(s.ctx, "ally")
	s.Require().NoError(err)
	s.Equal(b.ID, got.MemberID)
	s.Equal("ALLY", got.CanonicalName)

	aliasesA, err := s.store.ListAliases(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Empty(aliasesA)
}

func (s *Suite) TestGetAliasNotFound() {
	_, err := s.store.GetAlias(s.ctx, "missing")
	s.ErrorIs(err, model.ErrAliasNotFound)
}

func (s *Suite) TestListAliasesForMember() {
	a := s.createMember("Alice")
	b := s.createMember("Bob")
	for _, name := range []string{"alice", "ally", "alicia"} {
		s.Require().NoError(s.store.SaveAlias(s.ctx, &model.Alias{NormalizedName: name, CanonicalName: name, MemberID: a.ID, FirstSeen: base, LastSeen: base}))
	}
	s.Require().NoError(s.store.SaveAlias(s.ctx, &model.Alias{NormalizedName: "bob", CanonicalName: "Bob", MemberID: b.ID, FirstSeen: base, LastSeen: base}))

	aliases, err := s.store.ListAliases(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Require().Len(aliases, 3)
	s.Equal("alice", aliases[0].NormalizedName)
	s.Equal("alicia", aliases[1].NormalizedName)
	s.Equal("ally", aliases[2].NormalizedName)
}

// Snapshot tests

func (s *Suite) TestSaveSnapshotAssignsIDAndKeepsCategories() {
	m := s.createMember("Alice")
	snap := s.snapshot("Alice", base, 5000)
	snap.MemberID = m.ID
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, snap))
	s.NotZero(snap.ID)

	got, err := s.store.LatestSnapshot(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(snap.ID, got.ID)
	s.Equal(m.ID, got.MemberID)
	s.Equal(int64(5000), got.TotalXP)
	s.Equal(int64(12), got.TotalBossKills)
	s.InDelta(10.5, got.EHP, 0.0001)
	s.InDelta(2.25, got.EHB, 0.0001)
	s.Equal(base.UnixMilli(), got.TakenAt.UnixMilli())
	s.ElementsMatch(snap.Categories, got.Categories)
}

func (s *Suite) TestSaveSnapshotRejectsDuplicate() {
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, s.snapshot("Alice", base, 100)))

	err := s.store.SaveSnapshot(s.ctx, s.snapshot("alice", base, 999))
	s.ErrorIs(err, model.ErrSnapshotExists)

	snapshots, err := s.store.ListSnapshots(s.ctx, "Alice")
	s.Require().NoError(err)
	s.Require().Len(snapshots, 1)
	s.Equal(int64(100), snapshots[0].TotalXP)
}

func (s *Suite) TestSnapshotsOrderedByTime() {
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, s.snapshot("Alice", base.Add(2*time.Hour), 300)))
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, s.snapshot("Alice", base, 100)))
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, s.snapshot("Alice", base.Add(time.Hour), 200)))
	s.Require().NoError(s.store.SaveSnapshot(s.ctx, s.snapshot("Bob", base.Add(5*time.Hour), 1)))

	snapshots, err := s.store.ListSnapshots(s.ctx, "Alice")
	s.Require().NoError(err)
	s.Require().Len(snapshots, 3)
	s.Equal([]int64{100, 200, 300}, []int64{snapshots[0].TotalXP, snapshots[1].TotalXP, snapshots[2].TotalXP})

	latest, err := s.store.LatestSnapshot(s.ctx, "Alice")
	s.Require().NoError(err)
	s.Equal(int64(300), latest.TotalXP)
}

func (s *Suite) TestLatestSnapshotNotFound() {
	_, err := s.store.LatestSnapshot(s.ctx, "nobody")
	s.ErrorIs(err, model.ErrSnapshotNotFound)
}

// Message tests

func (s *Suite) TestInsertMessagesSkipsDuplicates() {
	msgs := []model.Message{
		{ID: "100", Source: "chat", AuthorID: "u1", Author: "Alice", Content: "one", CreatedAt: base},
		{ID: "101", Source: "chat", AuthorID: "u2", Author: "Bob", Content: "two", CreatedAt: base.Add(time.Minute)},
	}
	inserted, skipped, err := s.store.InsertMessages(s.ctx, msgs)
	s.Require().NoError(err)
	s.Equal(2, inserted)
	s.Equal(0, skipped)

	msgs = append(msgs, model.Message{ID: "102", Source: "chat", Author: "Carol", Content: "three", CreatedAt: base.Add(2 * time.Minute)})
	inserted, skipped, err = s.store.InsertMessages(s.ctx, msgs)
	s.Require().NoError(err)
	s.Equal(1, inserted)
	s.Equal(2, skipped)

	stored, err := s.store.ListMessages(s.ctx, "chat", 0)
	s.Require().NoError(err)
	s.Require().Len(stored, 3)
	s.Equal("100", stored[0].ID)
	s.Equal("u1", stored[0].AuthorID)
	s.Equal("one", stored[0].Content)
	s.Equal("102", stored[2].ID)

	limited, err := s.store.ListMessages(s.ctx, "chat", 2)
	s.Require().NoError(err)
	s.Len(limited, 2)
}

func (s *Suite) TestInsertNoMessages() {
	inserted, skipped, err := s.store.InsertMessages(s.ctx, nil)
	s.Require().NoError(err)
	s.Zero(inserted)
	s.Zero(skipped)
}

func (s *Suite) TestMessageBounds() {
	earliest, latest, err := s.store.MessageBounds(s.ctx, "chat")
	s.Require().NoError(err)
	s.True(earliest.IsZero())
	s.True(latest.IsZero())

	_, _, err = s.store.InsertMessages(s.ctx, []model.Message{
		{ID: "1", Source: "chat", Author: "a", CreatedAt: base.Add(time.Hour)},
		{ID: "2", Source: "chat", Author: "a", CreatedAt: base},
		{ID: "3", Source: "chat", Author: "a", CreatedAt: base.Add(3 * time.Hour)},
		{ID: "4", Source: "other", Author: "a", CreatedAt: base.Add(48 * time.Hour)},
	})
	s.Require().NoError(err)

	earliest, latest, err = s.store.MessageBounds(s.ctx, "chat")
	s.Require().NoError(err)
	s.Equal(base.UnixMilli(), earliest.UnixMilli())
	s.Equal(base.Add(3*time.Hour).UnixMilli(), latest.UnixMilli())
}
