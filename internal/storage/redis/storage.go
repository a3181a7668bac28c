package redis

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/storage"
)

// Storage is a Redis-backed implementation of the storage interface
type Storage struct {
	client *redis.Client
	cfg    Config
	keys   keys
}

// New creates a new Redis storage instance
func New(cfg Config) (*Storage, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewWithClient(client, cfg), nil
}

// NewWithClient creates a Redis storage with an existing client (for testing)
func NewWithClient(client *redis.Client, cfg Config) *Storage {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &Storage{
		client: client,
		cfg:    cfg,
		keys:   keys{prefix: cfg.KeyPrefix},
	}
}

// Close closes the Redis connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ensure Storage implements the interface
var _ storage.Storage = (*Storage)(nil)

func lower(name string) string {
	return strings.ToLower(name)
}

// getJSON loads key into v, returning notFound when the key is absent
func (s *Storage) getJSON(ctx context.Context, key string, v any, notFound error) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return notFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// mgetJSON loads every present key in order, skipping missing ones
func mgetJSON[T any](ctx context.Context, client *redis.Client, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(str), &item); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, nil
}

// usernameOwner returns 0 when the username is unclaimed
func (s *Storage) usernameOwner(ctx context.Context, username string) (model.MemberID, error) {
	id, err := s.client.Get(ctx, s.keys.username(lower(username))).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return model.MemberID(id), err
}

// Member operations

func (s *Storage) CreateMember(ctx context.Context, member *model.Member) error {
	owner, err := s.usernameOwner(ctx, member.Username)
	if err != nil {
		return err
	}
	if owner != 0 && owner != member.ID {
		return model.ErrUsernameTaken
	}

	if member.ID == 0 {
		id, err := s.client.Incr(ctx, s.keys.memberSeq()).Result()
		if err != nil {
			return err
		}
		member.ID = model.MemberID(id)
	} else {
		current, err := s.client.Get(ctx, s.keys.memberSeq()).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current < int64(member.ID) {
			if err := s.client.Set(ctx, s.keys.memberSeq(), int64(member.ID), 0).Err(); err != nil {
				return err
			}
		}
	}

	return s.writeMember(ctx, member, "")
}

// writeMember stores the member document and its indexes atomically.
// previousUsername, when set, has its index entry removed first.
func (s *Storage) writeMember(ctx context.Context, member *model.Member, previousUsername string) error {
	data, err := json.Marshal(member)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previousUsername != "" {
			pipe.Del(ctx, s.keys.username(lower(previousUsername)))
		}
		pipe.Set(ctx, s.keys.member(member.ID), data, 0)
		pipe.ZAdd(ctx, s.keys.members(), redis.Z{Score: float64(member.ID), Member: int64(member.ID)})
		pipe.Set(ctx, s.keys.username(lower(member.Username)), int64(member.ID), 0)
		return nil
	})
	return err
}

func (s *Storage) UpdateMember(ctx context.Context, member *model.Member) error {
	existing, err := s.GetMember(ctx, member.ID)
	if err != nil {
		return err
	}
	owner, err := s.usernameOwner(ctx, member.Username)
	if err != nil {
		return err
	}
	if owner != 0 && owner != member.ID {
		return model.ErrUsernameTaken
	}
	return s.writeMember(ctx, member, existing.Username)
}

func (s *Storage) GetMember(ctx context.Context, id model.MemberID) (*model.Member, error) {
	var member model.Member
	if err := s.getJSON(ctx, s.keys.member(id), &member, model.ErrMemberNotFound); err != nil {
		return nil, err
	}
	return &member, nil
}

func (s *Storage) GetMemberByUsername(ctx context.Context, username string) (*model.Member, error) {
	id, err := s.usernameOwner(ctx, username)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, model.ErrMemberNotFound
	}
	return s.GetMember(ctx, id)
}

func (s *Storage) ListMembers(ctx context.Context) ([]*model.Member, error) {
	ids, err := s.client.ZRange(ctx, s.keys.members(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	memberKeys := make([]string, len(ids))
	for i, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, err
		}
		memberKeys[i] = s.keys.member(model.MemberID(n))
	}
	return mgetJSON[model.Member](ctx, s.client, memberKeys)
}

func (s *Storage) DeleteMembers(ctx context.Context, ids []model.MemberID) error {
	if len(ids) == 0 {
		return nil
	}

	var members []*model.Member
	for _, id := range ids {
		m, err := s.GetMember(ctx, id)
		if errors.Is(err, model.ErrMemberNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		members = append(members, m)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			pipe.Del(ctx, s.keys.member(m.ID))
			pipe.ZRem(ctx, s.keys.members(), int64(m.ID))
			pipe.Del(ctx, s.keys.username(lower(m.Username)))
		}
		return nil
	})
	return err
}

func (s *Storage) RenameUsername(ctx context.Context, oldName, newName string) error {
	member, err := s.GetMemberByUsername(ctx, oldName)
	if err != nil {
		return err
	}
	owner, err := s.usernameOwner(ctx, newName)
	if err != nil {
		return err
	}
	if owner != 0 && owner != member.ID {
		return model.ErrUsernameTaken
	}

	oldKey, newKey := lower(oldName), lower(newName)

	snapshots, err := s.listSnapshotsByKey(ctx, oldKey)
	if err != nil {
		return err
	}
	messageIDs, err := s.client.SMembers(ctx, s.keys.authorMessages(oldKey)).Result()
	if err != nil {
		return err
	}
	messageKeys := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		messageKeys[i] = s.keys.message(id)
	}
	messages, err := mgetJSON[model.Message](ctx, s.client, messageKeys)
	if err != nil {
		return err
	}

	previous := member.Username
	member.Username = newName
	memberData, err := json.Marshal(member)
	if err != nil {
		return err
	}

	// Removals are queued before additions so a case-only rename, where
	// old and new keys are equal, ends with the new entries in place.
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.username(lower(previous)))
		pipe.Set(ctx, s.keys.member(member.ID), memberData, 0)
		pipe.Set(ctx, s.keys.username(newKey), int64(member.ID), 0)

		pipe.Del(ctx, s.keys.userSnapshots(oldKey))
		for _, snap := range snapshots {
			pipe.Del(ctx, s.keys.snapshotUnique(oldKey, snap.TakenAt.UnixMilli()))
		}
		for _, snap := range snapshots {
			snap.Username = newName
			data, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			pipe.Set(ctx, s.keys.snapshot(snap.ID), data, 0)
			pipe.Set(ctx, s.keys.snapshotUnique(newKey, snap.TakenAt.UnixMilli()), snap.ID, 0)
			pipe.ZAdd(ctx, s.keys.userSnapshots(newKey), redis.Z{Score: float64(snap.TakenAt.UnixMilli()), Member: snap.ID})
		}

		pipe.Del(ctx, s.keys.authorMessages(oldKey))
		for _, msg := range messages {
			msg.Author = newName
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			pipe.Set(ctx, s.keys.message(msg.ID), data, 0)
			pipe.SAdd(ctx, s.keys.authorMessages(newKey), msg.ID)
		}
		return nil
	})
	return err
}

// Alias operations

func (s *Storage) SaveAlias(ctx context.Context, alias *model.Alias) error {
	previous, err := s.GetAlias(ctx, alias.NormalizedName)
	if err != nil && !errors.Is(err, model.ErrAliasNotFound) {
		return err
	}
	data, err := json.Marshal(alias)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil && previous.MemberID != alias.MemberID {
			pipe.SRem(ctx, s.keys.memberAliases(previous.MemberID), alias.NormalizedName)
		}
		pipe.Set(ctx, s.keys.alias(alias.NormalizedName), data, 0)
		pipe.SAdd(ctx, s.keys.memberAliases(alias.MemberID), alias.NormalizedName)
		return nil
	})
	return err
}

func (s *Storage) GetAlias(ctx context.Context, normalizedName string) (*model.Alias, error) {
	var alias model.Alias
	if err := s.getJSON(ctx, s.keys.alias(normalizedName), &alias, model.ErrAliasNotFound); err != nil {
		return nil, err
	}
	return &alias, nil
}

func (s *Storage) ListAliases(ctx context.Context, memberID model.MemberID) ([]*model.Alias, error) {
	names, err := s.client.SMembers(ctx, s.keys.memberAliases(memberID)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	aliasKeys := make([]string, len(names))
	for i, name := range names {
		aliasKeys[i] = s.keys.alias(name)
	}
	return mgetJSON[model.Alias](ctx, s.client, aliasKeys)
}

// Snapshot operations

func (s *Storage) SaveSnapshot(ctx context.Context, snapshot *model.Snapshot) error {
	userKey := lower(snapshot.Username)
	takenAt := snapshot.TakenAt.UnixMilli()

	id, err := s.client.Incr(ctx, s.keys.snapshotSeq()).Result()
	if err != nil {
		return err
	}
	claimed, err := s.client.SetNX(ctx, s.keys.snapshotUnique(userKey, takenAt), id, 0).Result()
	if err != nil {
		return err
	}
	if !claimed {
		return model.ErrSnapshotExists
	}

	stored := *snapshot
	stored.ID = id
	data, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keys.snapshot(id), data, 0)
		pipe.ZAdd(ctx, s.keys.userSnapshots(userKey), redis.Z{Score: float64(takenAt), Member: id})
		return nil
	})
	if err != nil {
		return err
	}
	snapshot.ID = id
	return nil
}

func (s *Storage) LatestSnapshot(ctx context.Context, username string) (*model.Snapshot, error) {
	ids, err := s.client.ZRevRange(ctx, s.keys.userSnapshots(lower(username)), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, model.ErrSnapshotNotFound
	}
	id, err := strconv.ParseInt(ids[0], 10, 64)
	if err != nil {
		return nil, err
	}
	var snapshot model.Snapshot
	if err := s.getJSON(ctx, s.keys.snapshot(id), &snapshot, model.ErrSnapshotNotFound); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *Storage) ListSnapshots(ctx context.Context, username string) ([]*model.Snapshot, error) {
	return s.listSnapshotsByKey(ctx, lower(username))
}

func (s *Storage) listSnapshotsByKey(ctx context.Context, userKey string) ([]*model.Snapshot, error) {
	ids, err := s.client.ZRange(ctx, s.keys.userSnapshots(userKey), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	snapshotKeys := make([]string, len(ids))
	for i, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, err
		}
		snapshotKeys[i] = s.keys.snapshot(n)
	}
	return mgetJSON[model.Snapshot](ctx, s.client, snapshotKeys)
}

// Message operations

func (s *Storage) InsertMessages(ctx context.Context, messages []model.Message) (int, int, error) {
	var fresh []model.Message
	skipped := 0
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return 0, 0, err
		}
		ok, err := s.client.SetNX(ctx, s.keys.message(msg.ID), data, 0).Result()
		if err != nil {
			return len(fresh), skipped, err
		}
		if !ok {
			skipped++
			continue
		}
		fresh = append(fresh, msg)
	}
	if len(fresh) == 0 {
		return 0, skipped, nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range fresh {
			pipe.ZAdd(ctx, s.keys.sourceMessages(msg.Source), redis.Z{Score: float64(msg.CreatedAt.UnixMilli()), Member: msg.ID})
			pipe.SAdd(ctx, s.keys.authorMessages(lower(msg.Author)), msg.ID)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return len(fresh), skipped, nil
}

func (s *Storage) MessageBounds(ctx context.Context, source string) (time.Time, time.Time, error) {
	first, err := s.client.ZRangeWithScores(ctx, s.keys.sourceMessages(source), 0, 0).Result()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if len(first) == 0 {
		return time.Time{}, time.Time{}, nil
	}
	last, err := s.client.ZRevRangeWithScores(ctx, s.keys.sourceMessages(source), 0, 0).Result()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return time.UnixMilli(int64(first[0].Score)).UTC(), time.UnixMilli(int64(last[0].Score)).UTC(), nil
}

func (s *Storage) ListMessages(ctx context.Context, source string, limit int) ([]model.Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRange(ctx, s.keys.sourceMessages(source), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	messageKeys := make([]string, len(ids))
	for i, id := range ids {
		messageKeys[i] = s.keys.message(id)
	}
	loaded, err := mgetJSON[model.Message](ctx, s.client, messageKeys)
	if err != nil {
		return nil, err
	}
	messages := make([]model.Message, len(loaded))
	for i, msg := range loaded {
		messages[i] = *msg
	}
	return messages, nil
}
