package testing

import (
	"context"
	"sort"
	"sync"

	"github.com/aristath/saa/internal/clients/objectstore"
	"github.com/aristath/saa/internal/clients/webhook"
)

// MockObjectStore is an in-memory object store for export tests
type MockObjectStore struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	err      error
	location bool
}

// NewMockObjectStore creates a new mock object store. With withLocation the
// returned objects carry a mem:// location, like an S3 upload does.
func NewMockObjectStore(withLocation bool) *MockObjectStore {
	return &MockObjectStore{
		objects:  make(map[string][]byte),
		location: withLocation,
	}
}

// SetError sets the error to return from Upload
func (m *MockObjectStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Upload stores data under key
func (m *MockObjectStore) Upload(_ context.Context, key string, data []byte, _ string) (objectstore.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return objectstore.Object{}, m.err
	}

	m.objects[key] = append([]byte(nil), data...)
	obj := objectstore.Object{Key: key, Size: int64(len(data))}
	if m.location {
		obj.Location = "mem://" + key
	}
	return obj, nil
}

// Keys returns the stored keys in sorted order
func (m *MockObjectStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Object returns the bytes stored under key
func (m *MockObjectStore) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// MockNotifier records webhook deliveries
type MockNotifier struct {
	Calls chan interface{}
	err   error
}

// NewMockNotifier creates a notifier buffering up to size deliveries
func NewMockNotifier(size int) *MockNotifier {
	return &MockNotifier{Calls: make(chan interface{}, size)}
}

// SetError sets the error to return from Send
func (m *MockNotifier) SetError(err error) {
	m.err = err
}

// Send records the payload
func (m *MockNotifier) Send(_ context.Context, _ webhook.Target, payload interface{}) error {
	m.Calls <- payload
	return m.err
}
