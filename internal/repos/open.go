package repos

import (
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open picks the driver from the DSN scheme: postgres:// and postgresql://
// use lib/pq, anything else is handed to sqlite.
func Open(dsn string) (*sql.DB, Dialect, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, DialectSQLite, fmt.Errorf("database url is required")
	}
	scheme := ""
	if parsed, err := url.Parse(dsn); err == nil {
		scheme = strings.ToLower(parsed.Scheme)
	}
	switch scheme {
	case "postgres", "postgresql":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, DialectPostgres, err
		}
		return db, DialectPostgres, nil
	default:
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, DialectSQLite, err
		}
		// One connection serializes writers and keeps :memory: databases
		// shared across calls.
		db.SetMaxOpenConns(1)
		return db, DialectSQLite, nil
	}
}

// MigrationsDirFor returns the dialect-specific subdirectory of root.
func MigrationsDirFor(root string, dialect Dialect) string {
	if dialect == DialectPostgres {
		return filepath.Join(root, "postgres")
	}
	return filepath.Join(root, "sqlite")
}
