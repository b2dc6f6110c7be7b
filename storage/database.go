package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/DoubleLatte/ntp/models"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "node.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS profiles (
  address     TEXT PRIMARY KEY,
  identity_id TEXT NOT NULL,
  nickname    TEXT NOT NULL DEFAULT '',
  avatar      TEXT NOT NULL DEFAULT '',
  status      TEXT NOT NULL CHECK(status IN ('online','offline','idle','dnd')) DEFAULT 'offline',
  auto_accept INTEGER NOT NULL DEFAULT 0,
  allowlist   TEXT NOT NULL DEFAULT '[]',
  version     TEXT NOT NULL DEFAULT '',
  invite_code TEXT NOT NULL DEFAULT ''
);
`,
	`
CREATE TABLE IF NOT EXISTS chat_messages (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  body           TEXT NOT NULL,
  sender_address TEXT NOT NULL,
  group_name     TEXT NOT NULL,
  timestamp      INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_chat_messages_time
ON chat_messages (timestamp, id);
`,
	`
CREATE TABLE IF NOT EXISTS activity_log (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  action    TEXT NOT NULL,
  details   TEXT NOT NULL,
  timestamp INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_activity_log_time
ON activity_log (timestamp, id);
`,
	`
CREATE TABLE IF NOT EXISTS update_metadata (
  id            INTEGER PRIMARY KEY CHECK(id = 1),
  version       TEXT NOT NULL,
  kind          TEXT NOT NULL CHECK(kind IN ('primary','custom')),
  artifact_name TEXT NOT NULL,
  signature     TEXT NOT NULL
);
`,
}

// Store is a thin wrapper around a SQLite connection.
//
// Every mutator runs as a single transaction, so a read-modify-write can
// never interleave with another handler for the same key.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) node.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}

func validateStatus(status string) error {
	switch status {
	case models.StatusOnline, models.StatusOffline, models.StatusIdle, models.StatusDoNotDisturb:
		return nil
	default:
		return fmt.Errorf("invalid profile status %q", status)
	}
}

func validateUpdateKind(kind string) error {
	switch kind {
	case models.UpdateKindPrimary, models.UpdateKindCustom:
		return nil
	default:
		return fmt.Errorf("invalid update kind %q", kind)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
