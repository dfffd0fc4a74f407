package storage

import (
	"strings"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/pkg/utils"
)

// NewStore creates a store instance based on configuration
func NewStore(cfg *config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "sqlite":
		return NewSQLiteStore(cfg), nil
	case "postgres", "postgresql":
		return NewPostgresStore(cfg), nil
	default:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration,
			"unsupported storage type", cfg.Type)
	}
}

// Open connects a configured store and applies migrations. This is the
// startup path; tests that need a throwaway store use it too.
func Open(cfg *config.StorageConfig) (Store, error) {
	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(); err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
