// Package sqlite is a room registry backed by a local SQLite database, for
// single-node deployments that want issued keys to survive restarts.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/veildrop/veildrop/store"

	_ "github.com/mattn/go-sqlite3"
)

// Config represents the SQLite store config structure.
type Config struct {
	Path            string        `koanf:"path"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS rooms (
  id            TEXT PRIMARY KEY,
  max_receivers INTEGER NOT NULL DEFAULT 0,
  created_at    INTEGER NOT NULL,
  expires_at    INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_rooms_expires_at
ON rooms (expires_at);
`,
	`
CREATE TABLE IF NOT EXISTS kv (
  key   TEXT PRIMARY KEY,
  value BLOB NOT NULL
);
`,
}

// SQLite represents the SQLite implementation of the Store interface.
type SQLite struct {
	db  *sql.DB
	cfg Config
	log *logrus.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens (or creates) the database at cfg.Path and runs migrations.
func New(cfg Config, l *logrus.Logger) (*SQLite, error) {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(cfg.Path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	for i, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run migration %d: %w", i, err)
		}
	}

	s := &SQLite{
		db:   db,
		cfg:  cfg,
		log:  l,
		stop: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

// Close stops the cleanup goroutine and closes the database.
func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// watch periodically deletes expired rooms.
func (s *SQLite) watch() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.cleanup(); err != nil && s.log != nil {
				s.log.WithError(err).Error("error cleaning up expired rooms")
			}
		case <-s.stop:
			return
		}
	}
}

func (s *SQLite) cleanup() error {
	_, err := s.db.Exec(`DELETE FROM rooms WHERE expires_at > 0 AND expires_at < ?`, time.Now().UnixMilli())
	return err
}

// AddRoom adds a room to the store.
func (s *SQLite) AddRoom(r store.Room, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = r.CreatedAt.Add(ttl).UnixMilli()
	}
	_, err := s.db.Exec(`
INSERT INTO rooms (id, max_receivers, created_at, expires_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  max_receivers = excluded.max_receivers,
  created_at = excluded.created_at,
  expires_at = excluded.expires_at`,
		r.ID, r.Policy.MaxReceivers, r.CreatedAt.UnixMilli(), exp)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// GetRoom gets a live room from the store.
func (s *SQLite) GetRoom(id string) (store.Room, error) {
	var (
		maxRecv int
		created int64
	)
	err := s.db.QueryRow(`
SELECT max_receivers, created_at FROM rooms
WHERE id = ? AND (expires_at = 0 OR expires_at >= ?)`, id, time.Now().UnixMilli()).Scan(&maxRecv, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Room{}, store.ErrRoomNotFound
	}
	if err != nil {
		return store.Room{}, fmt.Errorf("query room: %w", err)
	}

	return store.Room{
		ID:        id,
		Policy:    store.Policy{MaxReceivers: maxRecv},
		CreatedAt: time.UnixMilli(created),
	}, nil
}

// ExtendRoomTTL pushes a room's expiry to ttl from now.
func (s *SQLite) ExtendRoomTTL(id string, ttl time.Duration) error {
	now := time.Now()
	return s.updateLive(`UPDATE rooms SET expires_at = ? WHERE id = ? AND (expires_at = 0 OR expires_at >= ?)`,
		now.Add(ttl).UnixMilli(), id, now.UnixMilli())
}

// RoomExists checks if a room exists in the store.
func (s *SQLite) RoomExists(id string) (bool, error) {
	_, err := s.GetRoom(id)
	if errors.Is(err, store.ErrRoomNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RemoveRoom deletes a room from the store.
func (s *SQLite) RemoveRoom(id string) error {
	if _, err := s.db.Exec(`DELETE FROM rooms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// SetPolicy updates a room's capacity policy.
func (s *SQLite) SetPolicy(id string, p store.Policy) error {
	return s.updateLive(`UPDATE rooms SET max_receivers = ? WHERE id = ? AND (expires_at = 0 OR expires_at >= ?)`,
		p.MaxReceivers, id, time.Now().UnixMilli())
}

// Get value from a key.
func (s *SQLite) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%q: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query kv: %w", err)
	}
	return out, nil
}

// Set a value.
func (s *SQLite) Set(key string, data []byte) error {
	_, err := s.db.Exec(`
INSERT INTO kv (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, data)
	if err != nil {
		return fmt.Errorf("upsert kv: %w", err)
	}
	return nil
}

// updateLive runs an UPDATE that must touch exactly one live room.
func (s *SQLite) updateLive(q string, args ...interface{}) error {
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	if n == 0 {
		return store.ErrRoomNotFound
	}
	return nil
}
