package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/storage"
)

// Storage is an in-memory implementation of the storage interface
type Storage struct {
	mu sync.RWMutex

	members       map[model.MemberID]*model.Member
	usernameIndex map[string]model.MemberID
	nextMemberID  model.MemberID

	aliases map[string]*model.Alias

	snapshots      map[int64]*model.Snapshot
	snapshotKeys   map[snapshotKey]int64
	nextSnapshotID int64

	messages map[string]*model.Message
}

type snapshotKey struct {
	username string
	takenAt  int64
}

// New creates a new in-memory storage instance
func New() *Storage {
	return &Storage{
		members:       make(map[model.MemberID]*model.Member),
		usernameIndex: make(map[string]model.MemberID),
		aliases:       make(map[string]*model.Alias),
		snapshots:     make(map[int64]*model.Snapshot),
		snapshotKeys:  make(map[snapshotKey]int64),
		messages:      make(map[string]*model.Message),
	}
}

// Ensure Storage implements the interface
var _ storage.Storage = (*Storage)(nil)

func usernameKey(username string) string {
	return strings.ToLower(username)
}

// Member operations

func (s *Storage) CreateMember(ctx context.Context, member *model.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.usernameIndex[usernameKey(member.Username)]; ok && id != member.ID {
		return model.ErrUsernameTaken
	}
	if member.ID == 0 {
		s.nextMemberID++
		member.ID = s.nextMemberID
	} else if member.ID > s.nextMemberID {
		s.nextMemberID = member.ID
	}

	stored := *member
	s.members[member.ID] = &stored
	s.usernameIndex[usernameKey(member.Username)] = member.ID
	return nil
}

func (s *Storage) UpdateMember(ctx context.Context, member *model.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.members[member.ID]
	if !ok {
		return model.ErrMemberNotFound
	}
	if id, ok := s.usernameIndex[usernameKey(member.Username)]; ok && id != member.ID {
		return model.ErrUsernameTaken
	}
	delete(s.usernameIndex, usernameKey(existing.Username))

	stored := *member
	s.members[member.ID] = &stored
	s.usernameIndex[usernameKey(member.Username)] = member.ID
	return nil
}

func (s *Storage) GetMember(ctx context.Context, id model.MemberID) (*model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member, ok := s.members[id]
	if !ok {
		return nil, model.ErrMemberNotFound
	}
	out := *member
	return &out, nil
}

func (s *Storage) GetMemberByUsername(ctx context.Context, username string) (*model.Member, error) {
	s.mu.RLock()
	id, ok := s.usernameIndex[usernameKey(username)]
	s.mu.RUnlock()
	if !ok {
		return nil, model.ErrMemberNotFound
	}
	return s.GetMember(ctx, id)
}

func (s *Storage) ListMembers(ctx context.Context) ([]*model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]*model.Member, 0, len(s.members))
	for _, m := range s.members {
		out := *m
		members = append(members, &out)
	}
	slices.SortFunc(members, func(a, b *model.Member) int { return cmp.Compare(a.ID, b.ID) })
	return members, nil
}

func (s *Storage) DeleteMembers(ctx context.Context, ids []model.MemberID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.members[id]; ok {
			delete(s.usernameIndex, usernameKey(m.Username))
			delete(s.members, id)
		}
	}
	return nil
}

func (s *Storage) RenameUsername(ctx context.Context, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.usernameIndex[usernameKey(oldName)]
	if !ok {
		return model.ErrMemberNotFound
	}
	if other, ok := s.usernameIndex[usernameKey(newName)]; ok && other != id {
		return model.ErrUsernameTaken
	}

	delete(s.usernameIndex, usernameKey(oldName))
	s.members[id].Username = newName
	s.usernameIndex[usernameKey(newName)] = id

	var moved []snapshotKey
	for key := range s.snapshotKeys {
		if key.username == usernameKey(oldName) {
			moved = append(moved, key)
		}
	}
	for _, key := range moved {
		snapID := s.snapshotKeys[key]
		delete(s.snapshotKeys, key)
		s.snapshotKeys[snapshotKey{usernameKey(newName), key.takenAt}] = snapID
		s.snapshots[snapID].Username = newName
	}
	for _, msg := range s.messages {
		if strings.EqualFold(msg.Author, oldName) {
			msg.Author = newName
		}
	}
	return nil
}

// Alias operations

func (s *Storage) SaveAlias(ctx context.Context, alias *model.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *alias
	s.aliases[alias.NormalizedName] = &stored
	return nil
}

func (s *Storage) GetAlias(ctx context.Context, normalizedName string) (*model.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alias, ok := s.aliases[normalizedName]
	if !ok {
		return nil, model.ErrAliasNotFound
	}
	out := *alias
	return &out, nil
}

func (s *Storage) ListAliases(ctx context.Context, memberID model.MemberID) ([]*model.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var aliases []*model.Alias
	for _, a := range s.aliases {
		if a.MemberID == memberID {
			out := *a
			aliases = append(aliases, &out)
		}
	}
	slices.SortFunc(aliases, func(a, b *model.Alias) int {
		return strings.Compare(a.NormalizedName, b.NormalizedName)
	})
	return aliases, nil
}

// Snapshot operations

func (s *Storage) SaveSnapshot(ctx context.Context, snapshot *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey{usernameKey(snapshot.Username), snapshot.TakenAt.UnixMilli()}
	if _, exists := s.snapshotKeys[key]; exists {
		return model.ErrSnapshotExists
	}

	s.nextSnapshotID++
	snapshot.ID = s.nextSnapshotID
	stored := *snapshot
	stored.Categories = slices.Clone(snapshot.Categories)
	s.snapshots[stored.ID] = &stored
	s.snapshotKeys[key] = stored.ID
	return nil
}

func (s *Storage) LatestSnapshot(ctx context.Context, username string) (*model.Snapshot, error) {
	snapshots, err := s.ListSnapshots(ctx, username)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, model.ErrSnapshotNotFound
	}
	return snapshots[len(snapshots)-1], nil
}

func (s *Storage) ListSnapshots(ctx context.Context, username string) ([]*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snapshots []*model.Snapshot
	for key, id := range s.snapshotKeys {
		if key.username != usernameKey(username) {
			continue
		}
		out := *s.snapshots[id]
		out.Categories = slices.Clone(out.Categories)
		snapshots = append(snapshots, &out)
	}
	slices.SortFunc(snapshots, func(a, b *model.Snapshot) int { return a.TakenAt.Compare(b.TakenAt) })
	return snapshots, nil
}

// Message operations

func (s *Storage) InsertMessages(ctx context.Context, messages []model.Message) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted, skipped := 0, 0
	for _, msg := range messages {
		if _, exists := s.messages[msg.ID]; exists {
			skipped++
			continue
		}
		stored := msg
		s.messages[msg.ID] = &stored
		inserted++
	}
	return inserted, skipped, nil
}

func (s *Storage) MessageBounds(ctx context.Context, source string) (time.Time, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var earliest, latest time.Time
	for _, msg := range s.messages {
		if msg.Source != source {
			continue
		}
		if earliest.IsZero() || msg.CreatedAt.Before(earliest) {
			earliest = msg.CreatedAt
		}
		if msg.CreatedAt.After(latest) {
			latest = msg.CreatedAt
		}
	}
	return earliest, latest, nil
}

func (s *Storage) ListMessages(ctx context.Context, source string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []model.Message
	for _, msg := range s.messages {
		if msg.Source == source {
			messages = append(messages, *msg)
		}
	}
	slices.SortFunc(messages, func(a, b model.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}
