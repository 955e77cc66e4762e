// Package oceanbase provides an OceanBase implementation of
// storage.MemoryStore using its native VECTOR type over the MySQL protocol.
package oceanbase

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/oceanbase/tiermem-go/pkg/storage/sqlbase"
)

// Client is an OceanBase store.
type Client struct {
	*sqlbase.Store
}

// Config contains OceanBase configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	CollectionName     string
	EmbeddingModelDims int
}

// DSN builds the MySQL driver connection string. clientFoundRows makes
// RowsAffected count matched rows so fenced no-op writes are not reported
// as conflicts.
func (cfg *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&clientFoundRows=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
}

// NewClient creates a new OceanBase client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.EmbeddingModelDims <= 0 {
		return nil, fmt.Errorf("NewOceanBaseClient: embedding dimensions must be positive")
	}

	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}

	store, err := sqlbase.New(context.Background(), db, dialect{}, cfg.CollectionName, cfg.EmbeddingModelDims)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("NewOceanBaseClient: %w", err)
	}
	return &Client{Store: store}, nil
}

type dialect struct{}

func (dialect) Name() string { return "oceanbase" }

func (dialect) Rebind(query string) string { return query }

func (dialect) Schema(table string, dims int) []string {
	return []string{fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			tenant_id VARCHAR(128) NOT NULL,
			user_id VARCHAR(128) NOT NULL,
			chatbot_id VARCHAR(128) NOT NULL DEFAULT '',
			tier VARCHAR(32) NOT NULL,
			type VARCHAR(32) NOT NULL,
			importance DOUBLE NOT NULL,
			decay_score DOUBLE NOT NULL,
			is_deleted TINYINT NOT NULL DEFAULT 0,
			superseded TINYINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			expires_at BIGINT,
			embedding VECTOR(%d),
			doc LONGTEXT NOT NULL,
			INDEX idx_scope (tenant_id, user_id, tier),
			INDEX idx_decay (tenant_id, decay_score)
		)`, table, dims)}
}

// EncodeVector converts to the OceanBase VECTOR literal "[0.1,0.2,0.3]".
func (dialect) EncodeVector(v []float32) interface{} { return sqlbase.FormatVector(v) }

// SimilarityExpr converts cosine_distance to similarity.
func (dialect) SimilarityExpr() string { return "1 - cosine_distance(embedding, ?)" }
