package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	_ "github.com/go-sql-driver/mysql"

	"feedwindow/internal/config"
)

// MySQLKV stores values in a single MySQL table.
type MySQLKV struct {
	db     *sql.DB
	logger *log.Logger
}

func mysqlDSN(cfg config.Config, database string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=UTC", cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, database)
}

// NewMySQLKV creates the database (if needed), ensures schema, and returns a ready store.
func NewMySQLKV(ctx context.Context, cfg config.Config, logger *log.Logger) (*MySQLKV, error) {
	rootDB, err := sql.Open("mysql", mysqlDSN(cfg, ""))
	if err != nil {
		return nil, fmt.Errorf("open root mysql connection: %w", err)
	}
	if err := rootDB.PingContext(ctx); err != nil {
		_ = rootDB.Close()
		return nil, fmt.Errorf("ping root mysql: %w", err)
	}
	createDB := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", cfg.DBName)
	if _, err := rootDB.ExecContext(ctx, createDB); err != nil {
		_ = rootDB.Close()
		return nil, fmt.Errorf("create database: %w", err)
	}
	_ = rootDB.Close()

	db, err := sql.Open("mysql", mysqlDSN(cfg, cfg.DBName))
	if err != nil {
		return nil, fmt.Errorf("open mysql with db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql with db: %w", err)
	}

	store := &MySQLKV{db: db, logger: logger}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("mysql store ready", "host", cfg.DBHost, "db", cfg.DBName)
	return store, nil
}

// Close releases the database connection.
func (s *MySQLKV) Close() error {
	return s.db.Close()
}

func (s *MySQLKV) ensureSchema(ctx context.Context) error {
	const createTable = `
CREATE TABLE IF NOT EXISTS kv_store (
	k VARCHAR(191) NOT NULL PRIMARY KEY,
	v LONGTEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Get returns the value under key.
func (s *MySQLKV) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT v FROM kv_store WHERE k = ? LIMIT 1", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Put upserts value under key.
func (s *MySQLKV) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_store (k, v) VALUES (?, ?)
ON DUPLICATE KEY UPDATE
	v=VALUES(v),
	updated_at=CURRENT_TIMESTAMP
`, key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
