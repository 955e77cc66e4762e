// Package sqlite provides a SQLite implementation of storage.MemoryStore.
//
// SQLite is a lightweight, file-based database suitable for local development
// and small-scale deployments. Vectors are stored as JSON text and similarity
// search computes cosine similarity in memory after loading the user's rows.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oceanbase/tiermem-go/pkg/storage/sqlbase"
)

// Client implements storage.MemoryStore using SQLite as the backend.
type Client struct {
	*sqlbase.Store
}

// Config contains configuration for creating a SQLite store.
type Config struct {
	// DBPath is the path to the SQLite database file. ":memory:" keeps the
	// database in process.
	DBPath string

	// CollectionName is the name of the table storing memories.
	CollectionName string
}

// NewClient creates a new SQLite store client.
//
// Parameters:
//   - cfg: Configuration containing database path and table name
//
// Returns:
//   - *Client: The SQLite client instance
//   - error: Error if database connection or table creation fails
func NewClient(cfg *Config) (*Client, error) {
	dsn := cfg.DBPath
	if cfg.DBPath != ":memory:" {
		dbDir := filepath.Dir(cfg.DBPath)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return nil, fmt.Errorf("NewSQLiteClient: failed to create directory: %w", err)
			}
		}
		dsn = cfg.DBPath + "?_foreign_keys=1&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers the way SQLite expects.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}

	store, err := sqlbase.New(context.Background(), db, dialect{}, cfg.CollectionName, 0)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewSQLiteClient: %w", err)
	}
	return &Client{Store: store}, nil
}

type dialect struct{}

func (dialect) Name() string { return "sqlite" }

func (dialect) Rebind(query string) string { return query }

func (dialect) Schema(table string, _ int) []string {
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			chatbot_id TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL,
			type TEXT NOT NULL,
			importance REAL NOT NULL,
			decay_score REAL NOT NULL,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			superseded INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER,
			embedding TEXT,
			doc TEXT NOT NULL
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope ON %s(tenant_id, user_id, tier)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_decay ON %s(tenant_id, decay_score)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at)`, table, table),
	}
}

// EncodeVector stores vectors as JSON strings in TEXT fields.
func (dialect) EncodeVector(v []float32) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

// SimilarityExpr is empty: SQLite has no vector operators.
func (dialect) SimilarityExpr() string { return "" }
