package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "schedline.db"

type Config struct {
	Workspace string
	// Path overrides the database file. Relative paths resolve against
	// Workspace.
	Path string
}

func dbPath(cfg Config) string {
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	name := cfg.Path
	if name == "" {
		name = defaultDBName
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(workspace, name)
}

// Open opens the SQLite database with foreign keys on, creating its
// directory when missing.
func Open(cfg Config) (*sql.DB, error) {
	path := dbPath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between the run recorder and the API
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the resolved database path.
func Path(cfg Config) string {
	return dbPath(cfg)
}
