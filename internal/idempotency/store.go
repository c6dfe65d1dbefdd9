package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is a stored admin response, replayed for repeated idempotency keys.
// A zero StatusCode marks a reservation held by a request still running.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Pending reports whether the record is a reservation without a response yet.
func (r Record) Pending() bool { return r.StatusCode == 0 }

// Store abstracts idempotency persistence. Get returns nil, nil for missing
// or expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	// Reserve stores a pending record only if key is absent or expired, and
	// reports whether it did.
	Reserve(ctx context.Context, key string, record Record) (bool, error)
	// Release drops the pending record for key if it still carries fingerprint.
	Release(ctx context.Context, key, fingerprint string) error
}

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
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

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, record Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[key]; ok && !existing.expired(m.now()) {
		return false, nil
	}
	m.data[key] = record
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[key]; ok && existing.Pending() && existing.Fingerprint == fingerprint {
		delete(m.data, key)
	}
	return nil
}

// FileStore persists records as one JSON document, rewritten on every save.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
	now  func() time.Time
}

// NewFileStore loads path if it exists and drops records that already expired.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
		now:  time.Now,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	now := f.now()
	for key, rec := range f.data {
		if rec.expired(now) {
			delete(f.data, key)
		}
	}
	return nil
}

// persist writes through a temp file so a crash never leaves half a document.
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
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.expired(f.now()) {
		delete(f.data, key)
		return nil, f.persist()
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}

func (f *FileStore) Reserve(_ context.Context, key string, record Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.data[key]; ok && !existing.expired(f.now()) {
		return false, nil
	}
	f.data[key] = record
	if err := f.persist(); err != nil {
		delete(f.data, key)
		return false, err
	}
	return true, nil
}

func (f *FileStore) Release(_ context.Context, key, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.data[key]
	if !ok || !existing.Pending() || existing.Fingerprint != fingerprint {
		return nil
	}
	delete(f.data, key)
	return f.persist()
}
