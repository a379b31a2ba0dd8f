package obsstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultBusyTimeout lets concurrent pipeline processes queue on the
// database lock instead of failing.
const DefaultBusyTimeout = 600 * time.Second

// ErrStoreInUse is returned when a second store with a different path is
// opened while another one is live in this process.
var ErrStoreInUse = errors.New("a store for a different database is already open")

type Config struct {
	// Path is the local SQLite database file. ":memory:" is accepted for
	// short-lived tooling but cannot be shared between processes.
	Path string

	// BusyTimeout defaults to DefaultBusyTimeout.
	BusyTimeout time.Duration
}

// Store owns the database handle for one pipeline database.
type Store struct {
	db   *sql.DB
	path string

	closeOnce sync.Once
}

var (
	liveMu    sync.Mutex
	livePath  string
	liveCount int
)

func claim(path string) error {
	liveMu.Lock()
	defer liveMu.Unlock()
	if liveCount > 0 && livePath != path {
		return fmt.Errorf("%w: open=%s requested=%s", ErrStoreInUse, livePath, path)
	}
	livePath = path
	liveCount++
	return nil
}

func release() {
	liveMu.Lock()
	defer liveMu.Unlock()
	if liveCount > 0 {
		liveCount--
	}
	if liveCount == 0 {
		livePath = ""
	}
}

// Open opens (and creates if needed) the pipeline database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	path, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	if err := claim(path); err != nil {
		return nil, err
	}

	db, err := openDB(ctx, dsn)
	if err != nil {
		release()
		return nil, err
	}

	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}
	if err := configureLocalSQLite(ctx, db, dsn, timeout); err != nil {
		_ = db.Close()
		release()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// DB exposes the underlying handle for read-only tooling such as doctor.
func (s *Store) DB() *sql.DB { return s.db }

// Path is the resolved database path.
func (s *Store) Path() string { return s.path }

// Close releases the handle. It is safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
		release()
	})
	return err
}

func buildDSN(cfg Config) (string, string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", "", errors.New("database path is required")
	}
	if path == ":memory:" {
		return path, path, nil
	}
	path = strings.TrimPrefix(path, "file:")

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", fmt.Errorf("resolve database path: %w", err)
	}
	if err := ensureStoreDir(abs); err != nil {
		return "", "", err
	}
	return abs, "file:" + abs, nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string, busy time.Duration) error {
	if db == nil {
		return errors.New("store connection is nil")
	}

	// One connection serialises writers inside the process; WAL plus the
	// busy timeout serialises them across processes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int64
	stmt := fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds())
	if err := db.QueryRowContext(ctx, stmt).Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	return nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

// QuickCheck runs SQLite's quick_check and returns the first problem found.
func (s *Store) QuickCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if !strings.EqualFold(result, "ok") {
		return fmt.Errorf("quick_check: %s", result)
	}
	return nil
}
