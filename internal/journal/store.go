// Package journal records every trade submission attempt and the phase it
// reached, so an operator can see which transactions went out even when the
// submitter stopped waiting for them.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by Get for an unknown submission.
var ErrNotFound = errors.New("journal entry not found")

// Entry is one submission attempt. Amounts and hashes are kept as strings so
// every backend stores them without precision loss.
type Entry struct {
	ID      string `json:"id"`
	Attempt int    `json:"attempt"`
	Account string `json:"account"`
	ChainID string `json:"chainId"`

	XAsset  string `json:"xAsset"`
	XAmount string `json:"xAmount"`
	YAsset  string `json:"yAsset"`
	YAmount string `json:"yAmount"`
	YOwner  string `json:"yOwner"`

	Phase      string `json:"phase"`
	ApprovalTx string `json:"approvalTx,omitempty"`
	EscrowTx   string `json:"escrowTx,omitempty"`
	Fee        string `json:"fee,omitempty"`

	FailureKind string `json:"failureKind,omitempty"`
	FailureStep string `json:"failureStep,omitempty"`
	Error       string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store abstracts journal persistence.
type Store interface {
	Get(ctx context.Context, id string) (*Entry, error)
	Save(ctx context.Context, entry Entry) error
	// List returns the newest entries first.
	List(ctx context.Context, limit int) ([]Entry, error)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Entry),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryStore) Save(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[entry.ID] = entry
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newest(m.data, limit), nil
}

// FileStore persists entries to a JSON file. Suitable for a single process.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Entry
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Entry),
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
	return json.Unmarshal(blob, &f.data)
}

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

func (f *FileStore) Get(_ context.Context, id string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (f *FileStore) Save(_ context.Context, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[entry.ID] = entry
	return f.persist()
}

func (f *FileStore) List(_ context.Context, limit int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return newest(f.data, limit), nil
}

func newest(data map[string]Entry, limit int) []Entry {
	out := make([]Entry, 0, len(data))
	for _, e := range data {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
