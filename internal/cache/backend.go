// internal/cache/backend.go
package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned by a backend for an empty slot.
var ErrNotFound = errors.New("cache slot empty")

// Backend is slot-addressed byte storage.
type Backend interface {
	Read(slot string) ([]byte, error)
	Write(slot string, data []byte) error
	Close() error
}

// LevelDBBackend keeps slots in a LevelDB directory so the cached valuation
// survives restarts.
type LevelDBBackend struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDBBackend, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb cache path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb cache path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb cache: %w", err)
	}
	return &LevelDBBackend{db: db}, nil
}

func (b *LevelDBBackend) Read(slot string) ([]byte, error) {
	data, err := b.db.Get([]byte(slot), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *LevelDBBackend) Write(slot string, data []byte) error {
	return b.db.Put([]byte(slot), data, nil)
}

// Close releases the underlying LevelDB resources.
func (b *LevelDBBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// MemoryBackend is a process-local backend.
type MemoryBackend struct {
	mu    sync.RWMutex
	slots map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{slots: make(map[string][]byte)}
}

func (b *MemoryBackend) Read(slot string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.slots[slot]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Write(slot string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
