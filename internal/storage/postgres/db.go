// Package postgres provides PostgreSQL storage for ToolGate.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"

	"toolgate/internal/config"
)

// DB wraps a sql.DB with helper methods
type DB struct {
	*sql.DB
	config *config.DatabaseConfig
}

// NewDB creates a new database connection
func NewDB(cfg *config.DatabaseConfig, dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxAge)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, config: cfg}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// RunSchemaFromFile applies a SQL schema file once, tracked in
// schema_migrations
func RunSchemaFromFile(db *sql.DB, schemaPath string) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	schemaFile := filepath.Base(schemaPath)
	var applied bool
	err = db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", schemaFile).Scan(&applied)
	if err != nil {
		return fmt.Errorf("failed to check schema status: %w", err)
	}
	if applied {
		return nil
	}

	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file %s: %w", schemaPath, err)
	}

	slog.Info("Applying schema", "file", schemaFile)
	if _, err := db.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute schema %s: %w", schemaFile, err)
	}

	if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", schemaFile); err != nil {
		return fmt.Errorf("failed to record schema %s: %w", schemaFile, err)
	}

	return nil
}

// InitDB connects and applies the schema
func InitDB(cfg *config.DatabaseConfig) (*DB, error) {
	db, err := NewDB(cfg, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	schemaPath := "migrations/001_schema.sql"
	if err := RunSchemaFromFile(db.DB, schemaPath); err != nil {
		// Schema may be managed externally; connection is still usable
		slog.Warn("Schema application issue", "error", err)
	}

	return db, nil
}
