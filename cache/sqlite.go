package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// DSN is the database to open.
	// Default: a private in-memory database.
	DSN string

	// SweepInterval is how often expired rows are deleted.
	// Default: 1 minute. Negative disables the sweep.
	SweepInterval time.Duration

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// SQLiteStore is a Storage backed by SQLite. Eviction callbacks cannot be
// persisted, so they are kept in process; rows written by another process
// are evicted without callbacks.
type SQLiteStore struct {
	config SQLiteConfig
	db     *sql.DB

	writeMu sync.Mutex
	onEvict map[string]EvictionFunc
	closed  bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Storage = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database, creates the schema and starts the sweep.
func NewSQLiteStore(config SQLiteConfig) (*SQLiteStore, error) {
	if config.DSN == "" {
		config.DSN = fmt.Sprintf("file:pagecache-%s?mode=memory&cache=shared", uuid.NewString())
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	db, err := sql.Open("sqlite", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite: %w", err)
	}
	// One connection keeps an in-memory database alive and avoids
	// shared-cache table locks between readers and the writer.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS pages (
			key TEXT PRIMARY KEY,
			expires INTEGER NOT NULL,
			ttl INTEGER NOT NULL,
			sliding INTEGER NOT NULL,
			bytes BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS pages_expires_idx ON pages (expires)`,
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cache: init sqlite: %w", err)
		}
	}

	s := &SQLiteStore{
		config:  config,
		db:      db,
		onEvict: make(map[string]EvictionFunc),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if config.SweepInterval > 0 {
		go s.sweepLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Get returns the value for key. Expired rows are deleted on read.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		expires, ttl, sliding int64
		value                 []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT expires, ttl, sliding, bytes FROM pages WHERE key = ?`, key,
	).Scan(&expires, &ttl, &sliding, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		if s.isClosed() {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: sqlite get: %w", err)
	}

	now := s.config.Now()
	if expires > 0 && now.UnixNano() >= expires {
		if _, err := s.remove(ctx, key, EvictionExpired); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if sliding != 0 && ttl > 0 {
		s.writeMu.Lock()
		_, err := s.db.ExecContext(ctx, `UPDATE pages SET expires = ? WHERE key = ?`,
			now.Add(time.Duration(ttl)).UnixNano(), key)
		s.writeMu.Unlock()
		if err != nil {
			return nil, false, fmt.Errorf("cache: sqlite touch: %w", err)
		}
	}
	return value, true, nil
}

// Set stores value, replacing any previous row.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, exp Expiration, onEvict EvictionFunc) error {
	var expires int64
	if d := exp.deadline(s.config.Now()); !d.IsZero() {
		expires = d.UnixNano()
	}

	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return ErrClosed
	}
	var evicted []eviction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var oldSize int64
		err := tx.QueryRowContext(ctx, `SELECT coalesce(length(bytes), 0) FROM pages WHERE key = ?`, key).Scan(&oldSize)
		switch {
		case err == nil:
			evicted = append(evicted, eviction{key: key, size: oldSize, reason: EvictionReplaced, fn: s.onEvict[key]})
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO pages (key, expires, ttl, sliding, bytes) VALUES (?, ?, ?, ?, ?)`,
			key, expires, int64(exp.TTL), boolInt(exp.Sliding), value)
		return err
	})
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("cache: sqlite set: %w", err)
	}
	s.onEvict[key] = onEvict
	s.writeMu.Unlock()

	fire(evicted)
	return nil
}

// Remove deletes key.
func (s *SQLiteStore) Remove(ctx context.Context, key string) (bool, error) {
	return s.remove(ctx, key, EvictionRemoved)
}

func (s *SQLiteStore) remove(ctx context.Context, key string, reason EvictionReason) (bool, error) {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return false, nil
	}
	var (
		size  int64
		found bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT coalesce(length(bytes), 0) FROM pages WHERE key = ?`, key).Scan(&size)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		_, err = tx.ExecContext(ctx, `DELETE FROM pages WHERE key = ?`, key)
		return err
	})
	if err != nil || !found {
		s.writeMu.Unlock()
		if err != nil {
			return false, fmt.Errorf("cache: sqlite remove: %w", err)
		}
		return false, nil
	}
	fn := s.onEvict[key]
	delete(s.onEvict, key)
	s.writeMu.Unlock()

	fire([]eviction{{key: key, size: size, reason: reason, fn: fn}})
	return true, nil
}

// RemoveWhere deletes every matching key.
func (s *SQLiteStore) RemoveWhere(ctx context.Context, match func(key string) bool) ([]string, error) {
	return s.removeRows(ctx, `SELECT key, coalesce(length(bytes), 0) FROM pages`, nil, match, EvictionRemoved)
}

// Clear deletes every row.
func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	removed, err := s.removeRows(ctx, `SELECT key, coalesce(length(bytes), 0) FROM pages`, nil, nil, EvictionRemoved)
	return len(removed), err
}

// Sweep deletes expired rows and returns how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	removed, err := s.removeRows(ctx,
		`SELECT key, coalesce(length(bytes), 0) FROM pages WHERE expires > 0 AND expires <= ?`,
		[]any{s.config.Now().UnixNano()}, nil, EvictionExpired)
	return len(removed), err
}

// removeRows selects candidate rows with query, filters them with match (nil
// matches all) and deletes them in one transaction.
func (s *SQLiteStore) removeRows(ctx context.Context, query string, args []any, match func(string) bool, reason EvictionReason) ([]string, error) {
	s.writeMu.Lock()
	if s.closed {
		s.writeMu.Unlock()
		return nil, ErrClosed
	}

	var evicted []eviction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		var candidates []eviction
		for rows.Next() {
			var ev eviction
			if err := rows.Scan(&ev.key, &ev.size); err != nil {
				_ = rows.Close()
				return err
			}
			if match == nil || match(ev.key) {
				candidates = append(candidates, ev)
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `DELETE FROM pages WHERE key = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, ev := range candidates {
			if _, err := stmt.ExecContext(ctx, ev.key); err != nil {
				return err
			}
		}
		evicted = candidates
		return nil
	})
	if err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("cache: sqlite remove: %w", err)
	}

	removed := make([]string, len(evicted))
	for i := range evicted {
		evicted[i].reason = reason
		evicted[i].fn = s.onEvict[evicted[i].key]
		delete(s.onEvict, evicted[i].key)
		removed[i] = evicted[i].key
	}
	s.writeMu.Unlock()

	fire(evicted)
	return removed, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Len returns the number of rows, expired or not.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM pages`).Scan(&n)
	return n, err
}

// Close stops the sweep and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.writeMu.Lock()
		s.closed = true
		s.onEvict = make(map[string]EvictionFunc)
		s.writeMu.Unlock()
		err = s.db.Close()
	})
	return err
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) isClosed() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.closed
}

func (s *SQLiteStore) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_, _ = s.Sweep(context.Background())
		}
	}
}
