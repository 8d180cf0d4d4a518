package testutil

import (
	"sync"

	"github.com/SDGBots/scp-079-long/internal/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// MockStore implements storage.Store in memory. Values round-trip through
// msgpack so snapshot shapes behave as they do against the real store.
// All methods are safe for concurrent use.
type MockStore struct {
	mu sync.Mutex

	data map[string][]byte

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int
}

// NewMockStore returns an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		data:   make(map[string][]byte),
		errors: make(map[string]error),
		calls:  make(map[string]int),
	}
}

// SetError injects an error to be returned on the next call to the named
// method. The error is consumed (returned once) and then cleared.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns the total number of times the named method was called.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Has reports whether a snapshot with the given name exists.
func (m *MockStore) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[name]
	return ok
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- storage.Store implementation -------------------------------------------

func (m *MockStore) Load(name string, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Load"]++
	if err := m.popError("Load"); err != nil {
		return err
	}
	raw, ok := m.data[name]
	if !ok {
		return storage.ErrNotFound
	}
	return msgpack.Unmarshal(raw, out)
}

func (m *MockStore) Save(name string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Save"]++
	if err := m.popError("Save"); err != nil {
		return err
	}
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	m.data[name] = raw
	return nil
}

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SizeBytes"]++
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	var total int64
	for _, raw := range m.data {
		total += int64(len(raw))
	}
	return total, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Close"]++
	return m.popError("Close")
}
