package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_values (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_hashes (
	key   TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (key, field)
);
CREATE TABLE IF NOT EXISTS kv_lists (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	key   TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS kv_lists_key ON kv_lists (key, seq);
CREATE TABLE IF NOT EXISTS kv_sets (
	key    TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (key, member)
);
CREATE TABLE IF NOT EXISTS kv_expiry (
	key        TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS stream_entries (
	pos    INTEGER PRIMARY KEY AUTOINCREMENT,
	stream TEXT NOT NULL,
	id     TEXT NOT NULL,
	fields TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS stream_entries_stream ON stream_entries (stream, pos);
CREATE TABLE IF NOT EXISTS stream_groups (
	stream   TEXT NOT NULL,
	grp      TEXT NOT NULL,
	last_pos INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (stream, grp)
);
CREATE TABLE IF NOT EXISTS stream_pending (
	stream       TEXT NOT NULL,
	grp          TEXT NOT NULL,
	id           TEXT NOT NULL,
	consumer     TEXT NOT NULL,
	delivered_at INTEGER NOT NULL,
	PRIMARY KEY (stream, grp, id)
);
`

// pollInterval is how often blocking reads re-check the database.
const pollInterval = 50 * time.Millisecond

// SQLite is a durable Backend in a single SQLite file. List pops and group
// reads run inside one transaction each so concurrent callers never see the
// same element.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) a SQLite database at dbPath and ensures the
// schema exists. The caller is responsible for calling Close.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *SQLite) Close() error { return s.db.Close() }

// execer abstracts *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return tx.Commit()
}

func mapErr(err error) error {
	if err != nil && err.Error() == "sql: database is closed" {
		return ErrClosed
	}
	return err
}

// purgeIfExpired drops key from every table when its expiry has passed.
func (s *SQLite) purgeIfExpired(ctx context.Context, e execer, key string) error {
	var expiresAt int64
	err := e.QueryRowContext(ctx, `SELECT expires_at FROM kv_expiry WHERE key = ?`, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read expiry: %w", err)
	}
	if s.now().UnixMilli() < expiresAt {
		return nil
	}
	return deleteKey(ctx, e, key)
}

func deleteKey(ctx context.Context, e execer, key string) error {
	for _, q := range []string{
		`DELETE FROM kv_values WHERE key = ?`,
		`DELETE FROM kv_hashes WHERE key = ?`,
		`DELETE FROM kv_lists WHERE key = ?`,
		`DELETE FROM kv_sets WHERE key = ?`,
		`DELETE FROM kv_expiry WHERE key = ?`,
	} {
		if _, err := e.ExecContext(ctx, q, key); err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
	}
	return nil
}

func (s *SQLite) ListPush(ctx context.Context, key, value string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeIfExpired(ctx, tx, key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv_lists (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("list push: %w", err)
		}
		return nil
	})
}

func (s *SQLite) ListLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeIfExpired(ctx, tx, key); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_lists WHERE key = ?`, key).Scan(&n); err != nil {
			return fmt.Errorf("list len: %w", err)
		}
		return nil
	})
	return n, err
}

func (s *SQLite) pop(ctx context.Context, key string) (string, bool, error) {
	var value string
	var ok bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeIfExpired(ctx, tx, key); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `
			DELETE FROM kv_lists
			WHERE seq = (SELECT seq FROM kv_lists WHERE key = ? ORDER BY seq LIMIT 1)
			RETURNING value`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list pop: %w", err)
		}
		ok = true
		return nil
	})
	return value, ok, err
}

// ListBlockingPop polls until an element appears or timeout elapses. A
// non-positive timeout checks once.
func (s *SQLite) ListBlockingPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		v, ok, err := s.pop(ctx, key)
		if err != nil || ok {
			return v, ok, err
		}
		if !sleepUntil(ctx, deadline) {
			return "", false, ctx.Err()
		}
	}
}

// sleepUntil waits one poll interval, capped by deadline. It returns false
// once the deadline has passed or ctx is done.
func sleepUntil(ctx context.Context, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(min(remaining, pollInterval))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *SQLite) HashSet(ctx context.Context, key string, fields map[string]string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeIfExpired(ctx, tx, key); err != nil {
			return err
		}
		for f, v := range fields {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kv_hashes (key, field, value) VALUES (?, ?, ?)
				ON CONFLICT (key, field) DO UPDATE SET value = excluded.value`, key, f, v); err != nil {
				return fmt.Errorf("hash set: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLite) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeIfExpired(ctx, tx, key); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT field, value FROM kv_hashes WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("hash get: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var f, v string
			if err := rows.Scan(&f, &v); err != nil {
				return err
			}
			out[f] = v
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLite) SetAdd(ctx context.Context, key, member string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeIfExpired(ctx, tx, key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO kv_sets (key, member) VALUES (?, ?)`, key, member); err != nil {
			return fmt.Errorf("set add: %w", err)
		}
		return nil
	})
}

func (s *SQLite) SetRemove(ctx context.Context, key, member string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_sets WHERE key = ? AND member = ?`, key, member); err != nil {
		return fmt.Errorf("set remove: %w", mapErr(err))
	}
	return nil
}

func (s *SQLite) SetMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeIfExpired(ctx, tx, key); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT member FROM kv_sets WHERE key = ? ORDER BY member`, key)
		if err != nil {
			return fmt.Errorf("set members: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var m string
			if err := rows.Scan(&m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLite) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_values (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return fmt.Errorf("set value: %w", err)
		}
		if ttl <= 0 {
			_, err := tx.ExecContext(ctx, `DELETE FROM kv_expiry WHERE key = ?`, key)
			return err
		}
		return s.setExpiry(ctx, tx, key, ttl)
	})
}

func (s *SQLite) setExpiry(ctx context.Context, e execer, key string, ttl time.Duration) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO kv_expiry (key, expires_at) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET expires_at = excluded.expires_at`,
		key, s.now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("set expiry: %w", err)
	}
	return nil
}

func (s *SQLite) GetValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	var ok bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeIfExpired(ctx, tx, key); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv_values WHERE key = ?`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get value: %w", err)
		}
		ok = true
		return nil
	})
	return value, ok, err
}

func (s *SQLite) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if err := s.purgeIfExpired(ctx, tx, key); err != nil {
			return err
		}
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM kv_values WHERE key = ?1)
			    OR EXISTS (SELECT 1 FROM kv_hashes WHERE key = ?1)
			    OR EXISTS (SELECT 1 FROM kv_lists WHERE key = ?1)
			    OR EXISTS (SELECT 1 FROM kv_sets WHERE key = ?1)`, key).Scan(&exists)
		if err != nil {
			return fmt.Errorf("expire: %w", err)
		}
		if !exists {
			return nil
		}
		return s.setExpiry(ctx, tx, key, ttl)
	})
}

func (s *SQLite) Delete(ctx context.Context, keys ...string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			if err := deleteKey(ctx, tx, k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) StreamAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode stream fields: %w", err)
	}
	var id string
	err = s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO stream_entries (stream, id, fields) VALUES (?, '', ?)`, stream, string(data))
		if err != nil {
			return fmt.Errorf("stream add: %w", err)
		}
		pos, err := res.LastInsertId()
		if err != nil {
			return err
		}
		id = strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + strconv.FormatInt(pos, 10)
		_, err = tx.ExecContext(ctx, `UPDATE stream_entries SET id = ? WHERE pos = ?`, id, pos)
		return err
	})
	return id, err
}

func (s *SQLite) CreateGroup(ctx context.Context, stream, group string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO stream_groups (stream, grp) VALUES (?, ?)`, stream, group); err != nil {
		return fmt.Errorf("create group: %w", mapErr(err))
	}
	return nil
}

func (s *SQLite) readGroup(ctx context.Context, stream, group, consumer string, count int) ([]StreamMessage, error) {
	var out []StreamMessage
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var last int64
		err := tx.QueryRowContext(ctx, `SELECT last_pos FROM stream_groups WHERE stream = ? AND grp = ?`, stream, group).Scan(&last)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read %s/%s: %w", stream, group, ErrNoGroup)
		}
		if err != nil {
			return fmt.Errorf("read group: %w", err)
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT pos, id, fields FROM stream_entries
			WHERE stream = ? AND pos > ? ORDER BY pos LIMIT ?`, stream, last, count)
		if err != nil {
			return fmt.Errorf("read entries: %w", err)
		}
		for rows.Next() {
			var data string
			var msg StreamMessage
			if err := rows.Scan(&last, &msg.ID, &data); err != nil {
				rows.Close()
				return err
			}
			if err := json.Unmarshal([]byte(data), &msg.Fields); err != nil {
				rows.Close()
				return fmt.Errorf("decode stream fields: %w", err)
			}
			out = append(out, msg)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE stream_groups SET last_pos = ? WHERE stream = ? AND grp = ?`, last, stream, group); err != nil {
			return fmt.Errorf("advance group: %w", err)
		}
		now := s.now().UnixMilli()
		for _, msg := range out {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO stream_pending (stream, grp, id, consumer, delivered_at)
				VALUES (?, ?, ?, ?, ?)`, stream, group, msg.ID, consumer, now); err != nil {
				return fmt.Errorf("record pending: %w", err)
			}
		}
		return nil
	})
	return out, err
}

func (s *SQLite) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamMessage, error) {
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(block)
	for {
		msgs, err := s.readGroup(ctx, stream, group, consumer, count)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if !sleepUntil(ctx, deadline) {
			return nil, ctx.Err()
		}
	}
}

func (s *SQLite) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM stream_pending WHERE stream = ? AND grp = ? AND id = ?`, stream, group, id); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		}
		return nil
	})
}

var _ Backend = (*SQLite)(nil)
