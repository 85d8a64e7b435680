// mock_storage.go - Mock preview store implementation for testing
package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/courtside/photodesk/internal/models"
	"github.com/courtside/photodesk/internal/storage"
)

// MockStorage implements storage.Store in memory and records releases.
type MockStorage struct {
	previews map[string]*models.PreviewInfo
	data     map[string][]byte
	released []string
	counter  int
	mu       sync.RWMutex

	// SaveErr, when set, is returned by every Save.
	SaveErr error
}

// NewMockStorage creates an empty mock store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		previews: make(map[string]*models.PreviewInfo),
		data:     make(map[string][]byte),
	}
}

func (m *MockStorage) Save(name, contentType string, r io.Reader) (*models.PreviewInfo, error) {
	if m.SaveErr != nil {
		return nil, m.SaveErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	handle := fmt.Sprintf("preview-%d", m.counter)
	info := &models.PreviewInfo{
		Handle:      handle,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now(),
	}
	m.previews[handle] = info
	m.data[handle] = data
	return info, nil
}

func (m *MockStorage) Get(handle string) (*models.PreviewInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.previews[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, handle)
	}
	return info, nil
}

func (m *MockStorage) Open(handle string) (io.ReadCloser, *models.PreviewInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.previews[handle]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", storage.ErrNotFound, handle)
	}
	return io.NopCloser(bytes.NewReader(m.data[handle])), info, nil
}

func (m *MockStorage) List(limit int) ([]*models.PreviewInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*models.PreviewInfo, 0, len(m.previews))
	for _, info := range m.previews {
		list = append(list, info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Handle < list[j].Handle })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MockStorage) Release(handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.previews[handle]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, handle)
	}
	delete(m.previews, handle)
	delete(m.data, handle)
	m.released = append(m.released, handle)
	return nil
}

func (m *MockStorage) GetFilePath(handle string) (string, error) {
	return "", errors.New("mock storage has no file paths")
}

// AddPreview stores data under a fixed handle.
func (m *MockStorage) AddPreview(handle, name string, data []byte) *models.PreviewInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := &models.PreviewInfo{
		Handle:      handle,
		Name:        name,
		ContentType: "image/jpeg",
		Size:        int64(len(data)),
		CreatedAt:   time.Now(),
	}
	m.previews[handle] = info
	m.data[handle] = data
	return info
}

// Released returns the handles released so far, in order.
func (m *MockStorage) Released() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.released...)
}

// Live returns the number of handles not yet released.
func (m *MockStorage) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.previews)
}

var _ storage.Store = (*MockStorage)(nil)
