package agentchat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Keys of the client state that survives restarts.
const (
	KeyToken = "token"
	KeyScope = "sessionId"
)

// Store is durable key/value storage for client state, scoped to one
// profile. Get returns ErrNotFound for a missing key; Delete of a missing key
// succeeds.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store. Its contents do not
// survive the process.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// ============================================================================
// PebbleStore
// ============================================================================

// PebbleStore persists client state in a Pebble database directory. One
// directory corresponds to one profile.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

var _ Store = (*PebbleStore)(nil)

// OpenPebbleStore opens (or creates) the database at path.
func OpenPebbleStore(path string, logger *zap.Logger) (*PebbleStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	logger.Debug("pebble_opened", zap.String("path", path))
	return &PebbleStore{db: db, path: path, logger: logger}, nil
}

func (s *PebbleStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("read key %q: %w", key, err)
	}
	value := string(v)
	if err := closer.Close(); err != nil {
		s.logger.Warn("pebble_closer_failed", zap.String("key", key), zap.Error(err))
	}
	return value, nil
}

func (s *PebbleStore) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Set([]byte(key), []byte(value), pebble.Sync); err != nil {
		s.logger.Error("pebble_set_failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("write key %q: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

// Close flushes and closes the database. It is safe to call more than once.
func (s *PebbleStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close store %s: %w", s.path, err)
	}
	s.logger.Debug("pebble_closed", zap.String("path", s.path))
	return nil
}
