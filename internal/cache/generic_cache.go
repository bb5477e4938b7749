// Handles storage of cached HTTP responses, grouped in named stores
package cache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/iTrooz/offline-cache-proxy/internal/config"
)

var ErrInvalidStoreName = errors.New("invalid store name")

// GenericCache interface for caching operations on a single store.
// Writes to one key are atomic, concurrent writers race and the last one wins.
type GenericCache interface {
	// retrieves cached data if it exists.
	// returns nil, nil when not found
	Get(key string) ([]byte, error)
	// stores data in the cache under the specified key
	Set(key string, value []byte) error
	// removes the entry, a missing key is not an error
	Delete(key string) error
	// lists every key currently stored
	Keys() ([]string, error)
	// initializes the cache (e.g., creates necessary directories)
	Init() error
}

// Storage holds every named store of the origin
type Storage interface {
	// Open returns the named store, creating it on first open
	Open(name string) (GenericCache, error)
	// Names lists the existing stores
	Names() ([]string, error)
	// Delete destroys the named store and its entries. Deleting a missing store is not an error.
	Delete(name string) error
	Close() error
}

// NewStorage creates the storage backend selected by the configuration
func NewStorage(cfg *config.CacheConfig) (Storage, error) {
	switch cfg.Backend {
	case "disk":
		return NewDiskStorage(cfg.Folder)
	case "sqlite":
		return NewSQLiteStorage(cfg.Database)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return nil
}
