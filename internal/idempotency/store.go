// Package idempotency remembers the response of each write submission so a
// retried request with the same key replays it instead of sending a second
// transaction.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is one stored submission response.
type Record struct {
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	Account    string    `json:"account"`
	StatusCode int       `json:"statusCode"`
	Body       []byte    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool { return now.After(r.ExpiresAt) }

// Store persists submission records. Get returns nil for unknown or expired
// keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, rec Record) error
	Purge(ctx context.Context) (int, error)
	Close()
}

// ScopedKey namespaces a client key by account and operation so two accounts
// cannot collide on the same header value.
func ScopedKey(account, kind, key string) string {
	return strings.ToLower(account) + "/" + kind + "/" + key
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record), now: time.Now}
}

// WithClock replaces the expiry clock.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok || rec.expired(m.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.Key == "" {
		return errors.New("record key is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[rec.Key] = rec
	return nil
}

func (m *MemoryStore) Purge(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return purge(m.data, m.now()), nil
}

func (m *MemoryStore) Close() {}

func purge(data map[string]Record, now time.Time) int {
	n := 0
	for k, rec := range data {
		if rec.expired(now) {
			delete(data, k)
			n++
		}
	}
	return n
}

// FileStore keeps records in a JSON file for single-node deployments.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
	now  func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, data: make(map[string]Record), now: time.Now}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(blob) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	if f.data == nil {
		f.data = make(map[string]Record)
	}
	return nil
}

// persist writes through a temp file so a crash never leaves half a file.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[key]
	if !ok || rec.expired(f.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (f *FileStore) Save(_ context.Context, rec Record) error {
	if rec.Key == "" {
		return errors.New("record key is empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[rec.Key] = rec
	return f.persist()
}

func (f *FileStore) Purge(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := purge(f.data, f.now())
	if n == 0 {
		return 0, nil
	}
	return n, f.persist()
}

func (f *FileStore) Close() {}

// Options selects a store backend.
type Options struct {
	DatabaseURL string
	FilePath    string
}

// Open returns a Postgres store when a database URL is set, a file store
// when a path is set, and a memory store otherwise.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch {
	case opts.DatabaseURL != "":
		pg, err := NewPostgresStore(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case opts.FilePath != "":
		fs, err := NewFileStore(opts.FilePath)
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return NewMemoryStore(), nil
	}
}
