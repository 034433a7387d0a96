package storage

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"feedwindow/internal/config"
)

// KV is the durable key-value store the snapshot lives in.
type KV interface {
	// Get returns the value under key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Close() error
}

// Open connects the backend named by cfg.Store.
func Open(ctx context.Context, cfg config.Config, logger *log.Logger) (KV, error) {
	var (
		kv  KV
		err error
	)
	switch cfg.Store {
	case "memory":
		kv = NewMemoryKV()
	case "sqlite":
		kv, err = NewSQLiteKV(ctx, cfg.SQLitePath, logger)
	case "mysql":
		kv, err = NewMySQLKV(ctx, cfg, logger)
	case "redis":
		kv, err = NewRedisKV(ctx, cfg.RedisURL, logger)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if err != nil {
		return nil, err
	}
	return kv, nil
}
