package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the single embedded relational database plus the
// content-addressed blob tree. Database access goes through one *sql.DB
// limited to a single connection; the node-ops layer additionally
// serializes requests with its own lock, but Store's own mu protects
// callers that reach it directly (tests, background re-announce jobs).
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	log *logrus.Logger

	content *ContentTree
}

// Config configures a Store.
type Config struct {
	DBPath      string
	ContentDir  string
	CacheDir    string
	CacheCap    int
}

// Open creates or migrates the database at cfg.DBPath and prepares the
// content-addressed blob tree at cfg.ContentDir.
func Open(cfg Config, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// A single logical connection serializes all DB access; Store.mu and
	// the node-ops lock guard the exclusive-mutex discipline above it.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	content, err := NewContentTree(cfg.ContentDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: content tree: %w", err)
	}

	s := &Store{db: db, log: log, content: content}
	log.WithField("db", cfg.DBPath).Info("store opened")
	return s, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
