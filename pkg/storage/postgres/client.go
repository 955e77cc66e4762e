// Package postgres provides a PostgreSQL + pgvector implementation of
// storage.MemoryStore.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/oceanbase/tiermem-go/pkg/storage/sqlbase"
)

// Client is a PostgreSQL + pgvector store.
type Client struct {
	*sqlbase.Store
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	CollectionName     string
	EmbeddingModelDims int
	SSLMode            string
}

// DSN builds the lib/pq connection string.
func (cfg *Config) DSN() string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)
}

// NewClient creates a new PostgreSQL client and initializes the pgvector
// extension and table.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.EmbeddingModelDims <= 0 {
		return nil, fmt.Errorf("NewPostgresClient: embedding dimensions must be positive")
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	store, err := sqlbase.New(context.Background(), db, dialect{}, cfg.CollectionName, cfg.EmbeddingModelDims)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}
	return &Client{Store: store}, nil
}

type dialect struct{}

func (dialect) Name() string { return "postgres" }

func (dialect) Rebind(query string) string { return sqlbase.RebindDollar(query) }

func (dialect) Schema(table string, dims int) []string {
	return []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			chatbot_id VARCHAR(255) NOT NULL DEFAULT '',
			tier VARCHAR(32) NOT NULL,
			type VARCHAR(32) NOT NULL,
			importance DOUBLE PRECISION NOT NULL,
			decay_score DOUBLE PRECISION NOT NULL,
			is_deleted SMALLINT NOT NULL DEFAULT 0,
			superseded SMALLINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			expires_at BIGINT,
			embedding vector(%d),
			doc TEXT NOT NULL
		)`, table, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_scope ON %s(tenant_id, user_id, tier)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_decay ON %s(tenant_id, decay_score)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s USING hnsw (embedding vector_cosine_ops)`, table, table),
	}
}

// EncodeVector converts to pgvector format: "[0.1,0.2,0.3,...]".
func (dialect) EncodeVector(v []float32) interface{} { return sqlbase.FormatVector(v) }

// SimilarityExpr uses pgvector's <=> operator (cosine distance).
func (dialect) SimilarityExpr() string { return "1 - (embedding <=> ?::vector)" }
