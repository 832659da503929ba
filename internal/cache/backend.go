package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Backend persists whole snapshots.
type Backend interface {
	Name() string
	// Load returns nil and no error when nothing has been stored yet.
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Clear(ctx context.Context) error
	Close() error
}

// Backend names accepted by OpenBackend.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// DefaultPath is the snapshot file used when no path is configured.
const DefaultPath = "chatwoot-cache.json"

// DefaultRedisKey is the key holding the snapshot in redis.
const DefaultRedisKey = "chatbridge:cache"

// Options selects and configures a backend.
type Options struct {
	Backend  string
	Path     string
	RedisURL string
	RedisKey string
}

// OpenBackend constructs the backend named by opts.Backend (file by default).
func OpenBackend(opts Options) (Backend, error) {
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		return NewFile(path), nil
	case BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		if opts.RedisURL == "" {
			return nil, fmt.Errorf("redis cache backend requires a redis URL")
		}
		key := opts.RedisKey
		if key == "" {
			key = DefaultRedisKey
		}
		return NewRedis(opts.RedisURL, key)
	case BackendSQLite:
		return NewSQLite(withExt(path, ".db"))
	case BackendBolt:
		return NewBolt(withExt(path, ".bolt"))
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}

// withExt swaps a .json extension for ext so a shared default path does not
// point a database at the JSON snapshot file.
func withExt(path, ext string) string {
	if filepath.Ext(path) == ".json" {
		return strings.TrimSuffix(path, ".json") + ext
	}
	return path
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	snap.normalize()
	return &snap, nil
}

// Memory keeps the encoded snapshot in process memory.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Name() string { return BackendMemory }

func (m *Memory) Load(context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decodeSnapshot(m.data)
}

func (m *Memory) Save(_ context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
