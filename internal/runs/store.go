package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the lifecycle position of a run.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	ErrNotFound          = errors.New("run not found")
	ErrDuplicate         = errors.New("run already exists")
	ErrAlreadyResolved   = errors.New("run already resolved")
	ErrInvalidTransition = errors.New("invalid run transition")
)

// Result describes a completed transfer.
type Result struct {
	TransactionHash string `json:"transactionHash"`
	Amount          string `json:"amount"`
	Denom           string `json:"denom"`
	Recipient       string `json:"recipient"`
}

// Record is one dispatch run.
type Record struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Recipient string    `json:"recipient"`
	Denom     string    `json:"denom"`
	Amount    string    `json:"amount"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// ExpiresAt is zero while the run is pending.
	ExpiresAt time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Resolution moves a pending run into a terminal state.
type Resolution struct {
	State      State
	Result     *Result
	Error      string
	ResolvedAt time.Time
	ExpiresAt  time.Time
}

func (res Resolution) validate() error {
	switch res.State {
	case StateCompleted:
		if res.Result == nil {
			return fmt.Errorf("%w: completed run needs a result", ErrInvalidTransition)
		}
	case StateFailed:
		if res.Error == "" {
			return fmt.Errorf("%w: failed run needs an error", ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("%w: %q is not terminal", ErrInvalidTransition, res.State)
	}
	return nil
}

func (res Resolution) apply(rec *Record) error {
	if rec.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, rec.ID, rec.State)
	}
	rec.State = res.State
	rec.Result = res.Result
	rec.Error = res.Error
	rec.UpdatedAt = res.ResolvedAt
	rec.ExpiresAt = res.ExpiresAt
	return nil
}

// Store abstracts run persistence.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Resolve(ctx context.Context, id string, res Resolution) error
	// Get returns ErrNotFound for unknown and expired runs.
	Get(ctx context.Context, id string) (*Record, error)
	// FailPending resolves pending runs created before createdBefore with
	// res, which must be a failure. It returns the number of runs changed.
	FailPending(ctx context.Context, createdBefore time.Time, res Resolution) (int, error)
	// PruneExpired deletes terminal runs past their expiry.
	PruneExpired(ctx context.Context) (int, error)
}

func newRecord(rec Record) (Record, error) {
	if rec.ID == "" {
		return Record{}, errors.New("run id is empty")
	}
	if rec.State == "" {
		rec.State = StatePending
	}
	if rec.State != StatePending {
		return Record{}, fmt.Errorf("%w: runs start pending, got %q", ErrInvalidTransition, rec.State)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	return rec, nil
}

func stale(rec Record, createdBefore time.Time) bool {
	return rec.State == StatePending && rec.CreatedAt.Before(createdBefore)
}

func failPendingResolution(res Resolution) error {
	if res.State != StateFailed {
		return fmt.Errorf("%w: pending runs can only be failed in bulk", ErrInvalidTransition)
	}
	return res.validate()
}

// MemoryStore keeps runs for the life of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Create(_ context.Context, rec Record) error {
	rec, err := newRecord(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	m.data[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Resolve(_ context.Context, id string, res Resolution) error {
	if err := res.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[id]
	if !ok {
		return ErrNotFound
	}
	if err := res.apply(&rec); err != nil {
		return err
	}
	m.data[id] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	rec, ok := m.data[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if rec.expired(time.Now()) {
		m.mu.Lock()
		delete(m.data, id)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) FailPending(_ context.Context, createdBefore time.Time, res Resolution) (int, error) {
	if err := failPendingResolution(res); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.data {
		if !stale(rec, createdBefore) {
			continue
		}
		_ = res.apply(&rec)
		m.data[id] = rec
		n++
	}
	return n, nil
}

func (m *MemoryStore) PruneExpired(_ context.Context) (int, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.data {
		if rec.expired(now) {
			delete(m.data, id)
			n++
		}
	}
	return n, nil
}

// FileStore persists runs to a JSON file. Suitable for a single instance.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
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
		return fmt.Errorf("decode run file %s: %w", f.path, err)
	}
	now := time.Now()
	for id, rec := range f.data {
		if rec.expired(now) {
			delete(f.data, id)
		}
	}
	return nil
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Create(_ context.Context, rec Record) error {
	rec, err := newRecord(rec)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	f.data[rec.ID] = rec
	if err := f.persist(); err != nil {
		delete(f.data, rec.ID)
		return err
	}
	return nil
}

func (f *FileStore) Resolve(_ context.Context, id string, res Resolution) error {
	if err := res.validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[id]
	if !ok {
		return ErrNotFound
	}
	prev := rec
	if err := res.apply(&rec); err != nil {
		return err
	}
	f.data[id] = rec
	if err := f.persist(); err != nil {
		f.data[id] = prev
		return err
	}
	return nil
}

func (f *FileStore) Get(_ context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.expired(time.Now()) {
		delete(f.data, id)
		_ = f.persist()
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (f *FileStore) FailPending(_ context.Context, createdBefore time.Time, res Resolution) (int, error) {
	if err := failPendingResolution(res); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, rec := range f.data {
		if !stale(rec, createdBefore) {
			continue
		}
		_ = res.apply(&rec)
		f.data[id] = rec
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, f.persist()
}

func (f *FileStore) PruneExpired(_ context.Context) (int, error) {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, rec := range f.data {
		if rec.expired(now) {
			delete(f.data, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, f.persist()
}
