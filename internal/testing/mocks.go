// Package testing provides mock implementations for use in tests.
// This package should only be imported by test files (*_test.go).
package testing

import (
	"context"
	"sync"
	"testing"

	"github.com/reelgrab/reelgrab/internal/backend"
	"github.com/reelgrab/reelgrab/internal/catalog"
)

// NewTestStore creates an in-memory catalog store for testing.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *catalog.SQLiteStore {
	t.Helper()
	store, err := catalog.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// MockBackend is an in-memory implementation of backend.Backend for testing.
type MockBackend struct {
	name string
	kind string

	mu        sync.RWMutex
	transfers map[string]backend.TransferSnapshot

	// Recorded calls
	AddedURIs     []string
	RemovedHashes []string
	PausedHashes  []string
	ResumedHashes []string

	// Hooks for custom behavior
	OnHealthy   func(ctx context.Context) error
	OnAddMagnet func(ctx context.Context, uri, savePath string) error
	OnSnapshot  func(ctx context.Context, hash string) (backend.TransferSnapshot, error)
}

// NewMockBackend creates a new mock backend.
func NewMockBackend(name string) *MockBackend {
	return &MockBackend{
		name:      name,
		kind:      "mock",
		transfers: make(map[string]backend.TransferSnapshot),
	}
}

// Name returns the configured instance name.
func (m *MockBackend) Name() string { return m.name }

// Kind returns the adapter kind.
func (m *MockBackend) Kind() string { return m.kind }

// Healthy verifies connectivity (no-op for mock).
func (m *MockBackend) Healthy(ctx context.Context) error {
	if m.OnHealthy != nil {
		return m.OnHealthy(ctx)
	}
	return nil
}

// AddMagnet records the URI. Without an OnAddMagnet hook the transfer does
// not appear in the mock; seed it explicitly with SetTransfer.
func (m *MockBackend) AddMagnet(ctx context.Context, uri, savePath string) error {
	m.mu.Lock()
	m.AddedURIs = append(m.AddedURIs, uri)
	m.mu.Unlock()

	if m.OnAddMagnet != nil {
		return m.OnAddMagnet(ctx, uri, savePath)
	}
	return nil
}

// Remove deletes the transfer from the mock.
func (m *MockBackend) Remove(_ context.Context, hash string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RemovedHashes = append(m.RemovedHashes, hash)
	delete(m.transfers, hash)
	return nil
}

// Pause records the call.
func (m *MockBackend) Pause(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PausedHashes = append(m.PausedHashes, hash)
	return nil
}

// Resume records the call.
func (m *MockBackend) Resume(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResumedHashes = append(m.ResumedHashes, hash)
	return nil
}

// Snapshot returns the seeded transfer, or backend.ErrNotFound.
func (m *MockBackend) Snapshot(ctx context.Context, hash string) (backend.TransferSnapshot, error) {
	if m.OnSnapshot != nil {
		return m.OnSnapshot(ctx, hash)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.transfers[hash]
	if !ok {
		return backend.TransferSnapshot{}, backend.ErrNotFound
	}
	return snap, nil
}

// Snapshots returns every seeded transfer.
func (m *MockBackend) Snapshots(_ context.Context) ([]backend.TransferSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]backend.TransferSnapshot, 0, len(m.transfers))
	for _, snap := range m.transfers {
		out = append(out, snap)
	}
	return out, nil
}

// SetPriority is a no-op for the mock.
func (m *MockBackend) SetPriority(_ context.Context, _ string, _ int) error { return nil }

// SetRateLimits is a no-op for the mock.
func (m *MockBackend) SetRateLimits(_ context.Context, _, _ int64) error { return nil }

// SetTransfer seeds or replaces a transfer snapshot.
func (m *MockBackend) SetTransfer(snap backend.TransferSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[snap.Hash] = snap
}

// HasTransfer reports whether the mock currently holds the hash.
func (m *MockBackend) HasTransfer(hash string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.transfers[hash]
	return ok
}

// Added returns the recorded AddMagnet URIs.
func (m *MockBackend) Added() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.AddedURIs))
	copy(out, m.AddedURIs)
	return out
}

// Removed returns the recorded Remove hashes.
func (m *MockBackend) Removed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.RemovedHashes))
	copy(out, m.RemovedHashes)
	return out
}

// MockLibrary is a library.Checker backed by a set of serial codes.
type MockLibrary struct {
	mu      sync.RWMutex
	serials map[string]bool

	// CheckErr, when set, is returned from every Contains call.
	CheckErr error
}

// NewMockLibrary creates a mock library holding the given serials.
func NewMockLibrary(serials ...string) *MockLibrary {
	m := &MockLibrary{serials: make(map[string]bool, len(serials))}
	for _, s := range serials {
		m.serials[s] = true
	}
	return m
}

// Contains reports whether the serial was seeded.
func (m *MockLibrary) Contains(_ context.Context, serialCode string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.CheckErr != nil {
		return false, m.CheckErr
	}
	return m.serials[serialCode], nil
}

// Add seeds a serial into the mock library.
func (m *MockLibrary) Add(serialCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serials[serialCode] = true
}
