// Package sqldb stores harvest data in SQLite or Postgres through sqlx.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mcoot/clanharvest/internal/model"
	"github.com/mcoot/clanharvest/internal/storage"
)

// Storage is a SQL-backed implementation of the storage interface
type Storage struct {
	db  *sqlx.DB
	cfg Config
}

// New opens the database and applies the schema
func New(cfg Config) (*Storage, error) {
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sql DSN is required")
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = DefaultConfig().OperationTimeout
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; an in-memory database also lives only as
	// long as its single connection.
	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	s := &Storage{db: db, cfg: cfg}

	ctx, cancel := s.opContext(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range schemaStatements(cfg.Driver) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return s, nil
}

// Close closes the database connection pool
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ensure Storage implements the interface
var _ storage.Storage = (*Storage)(nil)

func (s *Storage) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

// withTx runs fn in a transaction, committing only when fn succeeds
func (s *Storage) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func usernameKey(username string) string {
	return strings.ToLower(username)
}

// memberIDForUsername returns 0 when no member has the username
func memberIDForUsername(ctx context.Context, tx *sqlx.Tx, username string) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, tx.Rebind(`SELECT id FROM members WHERE username_key = ?`), usernameKey(username))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// Member operations

const memberColumns = `id, username, role, joined_at, created_at, updated_at`

func (s *Storage) CreateMember(ctx context.Context, member *model.Member) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := memberIDForUsername(ctx, tx, member.Username)
		if err != nil {
			return err
		}
		if existing != 0 && existing != int64(member.ID) {
			return model.ErrUsernameTaken
		}

		if member.ID == 0 {
			var id int64
			err := tx.QueryRowxContext(ctx, tx.Rebind(`
				INSERT INTO members (username, username_key, role, joined_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				RETURNING id`),
				member.Username, usernameKey(member.Username), member.Role,
				toMillis(member.JoinedAt), toMillis(member.CreatedAt), toMillis(member.UpdatedAt),
			).Scan(&id)
			if err != nil {
				return err
			}
			member.ID = model.MemberID(id)
			return nil
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO members (id, username, username_key, role, joined_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			int64(member.ID), member.Username, usernameKey(member.Username), member.Role,
			toMillis(member.JoinedAt), toMillis(member.CreatedAt), toMillis(member.UpdatedAt),
		)
		if err != nil {
			return err
		}
		if s.cfg.Driver == DriverPostgres {
			// Explicit ids do not advance the serial sequence
			_, err = tx.ExecContext(ctx,
				`SELECT setval(pg_get_serial_sequence('members', 'id'), (SELECT MAX(id) FROM members))`)
		}
		return err
	})
}

func (s *Storage) UpdateMember(ctx context.Context, member *model.Member) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := memberIDForUsername(ctx, tx, member.Username)
		if err != nil {
			return err
		}
		if existing != 0 && existing != int64(member.ID) {
			return model.ErrUsernameTaken
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE members SET username = ?, username_key = ?, role = ?, joined_at = ?, updated_at = ?
			WHERE id = ?`),
			member.Username, usernameKey(member.Username), member.Role,
			toMillis(member.JoinedAt), toMillis(member.UpdatedAt), int64(member.ID),
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return model.ErrMemberNotFound
		}
		return nil
	})
}

func (s *Storage) GetMember(ctx context.Context, id model.MemberID) (*model.Member, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var row memberRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+memberColumns+` FROM members WHERE id = ?`), int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (s *Storage) GetMemberByUsername(ctx context.Context, username string) (*model.Member, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var row memberRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+memberColumns+` FROM members WHERE username_key = ?`), usernameKey(username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (s *Storage) ListMembers(ctx context.Context) ([]*model.Member, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var rows []memberRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+memberColumns+` FROM members ORDER BY id`); err != nil {
		return nil, err
	}
	members := make([]*model.Member, len(rows))
	for i, row := range rows {
		members[i] = row.toModel()
	}
	return members, nil
}

func (s *Storage) DeleteMembers(ctx context.Context, ids []model.MemberID) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	query, args, err := sqlx.In(`DELETE FROM members WHERE id IN (?)`, raw)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

func (s *Storage) RenameUsername(ctx context.Context, oldName, newName string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		id, err := memberIDForUsername(ctx, tx, oldName)
		if err != nil {
			return err
		}
		if id == 0 {
			return model.ErrMemberNotFound
		}
		other, err := memberIDForUsername(ctx, tx, newName)
		if err != nil {
			return err
		}
		if other != 0 && other != id {
			return model.ErrUsernameTaken
		}

		oldKey, newKey := usernameKey(oldName), usernameKey(newName)
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE members SET username = ?, username_key = ? WHERE id = ?`),
			newName, newKey, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE snapshots SET username = ?, username_key = ? WHERE username_key = ?`),
			newName, newKey, oldKey); err != nil {
			return fmt.Errorf("rename snapshots: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE messages SET author = ?, author_key = ? WHERE author_key = ?`),
			newName, newKey, oldKey); err != nil {
			return fmt.Errorf("rename messages: %w", err)
		}
		return nil
	})
}

// Alias operations

const aliasColumns = `normalized_name, canonical_name, member_id, source, first_seen, last_seen, is_current`

func (s *Storage) SaveAlias(ctx context.Context, alias *model.Alias) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO aliases (`+aliasColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (normalized_name) DO UPDATE SET
			canonical_name = excluded.canonical_name,
			member_id = excluded.member_id,
			source = excluded.source,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			is_current = excluded.is_current`),
		alias.NormalizedName, alias.CanonicalName, int64(alias.MemberID), alias.Source,
		toMillis(alias.FirstSeen), toMillis(alias.LastSeen), boolToInt(alias.IsCurrent),
	)
	return err
}

func (s *Storage) GetAlias(ctx context.Context, normalizedName string) (*model.Alias, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var row aliasRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+aliasColumns+` FROM aliases WHERE normalized_name = ?`), normalizedName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrAliasNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (s *Storage) ListAliases(ctx context.Context, memberID model.MemberID) ([]*model.Alias, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var rows []aliasRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+aliasColumns+` FROM aliases WHERE member_id = ? ORDER BY normalized_name`), int64(memberID))
	if err != nil {
		return nil, err
	}
	aliases := make([]*model.Alias, len(rows))
	for i, row := range rows {
		aliases[i] = row.toModel()
	}
	return aliases, nil
}

// Snapshot operations

const snapshotColumns = `id, member_id, username, taken_at, total_xp, total_boss_kills, ehp, ehb`

func (s *Storage) SaveSnapshot(ctx context.Context, snapshot *model.Snapshot) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing int64
		err := tx.GetContext(ctx, &existing,
			tx.Rebind(`SELECT id FROM snapshots WHERE username_key = ? AND taken_at = ?`),
			usernameKey(snapshot.Username), toMillis(snapshot.TakenAt))
		if err == nil {
			return model.ErrSnapshotExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var id int64
		err = tx.QueryRowxContext(ctx, tx.Rebind(`
			INSERT INTO snapshots (member_id, username, username_key, taken_at, total_xp, total_boss_kills, ehp, ehb)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`),
			int64(snapshot.MemberID), snapshot.Username, usernameKey(snapshot.Username), toMillis(snapshot.TakenAt),
			snapshot.TotalXP, snapshot.TotalBossKills, snapshot.EHP, snapshot.EHB,
		).Scan(&id)
		if err != nil {
			return err
		}

		if len(snapshot.Categories) > 0 {
			stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
				INSERT INTO snapshot_categories (snapshot_id, kind, name, score, category_rank)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (snapshot_id, kind, name) DO NOTHING`))
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, c := range snapshot.Categories {
				if _, err := stmt.ExecContext(ctx, id, string(c.Kind), c.Name, c.Value, c.Rank); err != nil {
					return fmt.Errorf("insert category %s/%s: %w", c.Kind, c.Name, err)
				}
			}
		}

		snapshot.ID = id
		return nil
	})
}

func (s *Storage) LatestSnapshot(ctx context.Context, username string) (*model.Snapshot, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var row snapshotRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE username_key = ?
		ORDER BY taken_at DESC
		LIMIT 1`), usernameKey(username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}

	snapshots := []*model.Snapshot{row.toModel()}
	if err := s.loadCategories(ctx, snapshots); err != nil {
		return nil, err
	}
	return snapshots[0], nil
}

func (s *Storage) ListSnapshots(ctx context.Context, username string) ([]*model.Snapshot, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE username_key = ?
		ORDER BY taken_at`), usernameKey(username))
	if err != nil {
		return nil, err
	}

	snapshots := make([]*model.Snapshot, len(rows))
	for i, row := range rows {
		snapshots[i] = row.toModel()
	}
	if err := s.loadCategories(ctx, snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (s *Storage) loadCategories(ctx context.Context, snapshots []*model.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	byID := make(map[int64]*model.Snapshot, len(snapshots))
	ids := make([]int64, len(snapshots))
	for i, snap := range snapshots {
		byID[snap.ID] = snap
		ids[i] = snap.ID
	}

	query, args, err := sqlx.In(`
		SELECT snapshot_id, kind, name, score, category_rank FROM snapshot_categories
		WHERE snapshot_id IN (?)
		ORDER BY snapshot_id, kind, name`, ids)
	if err != nil {
		return err
	}
	var rows []categoryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return err
	}
	for _, row := range rows {
		snap := byID[row.SnapshotID]
		snap.Categories = append(snap.Categories, model.CategoryScore{
			Kind:  model.CategoryKind(row.Kind),
			Name:  row.Name,
			Value: row.Score,
			Rank:  row.Rank,
		})
	}
	return nil
}

// Message operations

func (s *Storage) InsertMessages(ctx context.Context, messages []model.Message) (int, int, error) {
	if len(messages) == 0 {
		return 0, 0, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	inserted, skipped := 0, 0
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
			INSERT INTO messages (id, source, author_id, author, author_key, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, msg := range messages {
			res, err := stmt.ExecContext(ctx, msg.ID, msg.Source, msg.AuthorID, msg.Author,
				usernameKey(msg.Author), msg.Content, toMillis(msg.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert message %s: %w", msg.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				skipped++
			} else {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, skipped, nil
}

func (s *Storage) MessageBounds(ctx context.Context, source string) (time.Time, time.Time, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var earliest, latest int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		SELECT COALESCE(MIN(created_at), 0), COALESCE(MAX(created_at), 0)
		FROM messages WHERE source = ?`), source).Scan(&earliest, &latest)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return fromMillis(earliest), fromMillis(latest), nil
}

func (s *Storage) ListMessages(ctx context.Context, source string, limit int) ([]model.Message, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := `SELECT id, source, author_id, author, content, created_at FROM messages
		WHERE source = ?
		ORDER BY created_at, id`
	args := []any{source}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	messages := make([]model.Message, len(rows))
	for i, row := range rows {
		messages[i] = row.toModel()
	}
	return messages, nil
}
