package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/courtside/photodesk/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned for an unknown or already released handle.
var ErrNotFound = errors.New("preview not found")

// Store holds preview blobs for the lifetime of a console process.
// A handle stays valid until Release.
type Store interface {
	Save(name, contentType string, r io.Reader) (*models.PreviewInfo, error)
	Get(handle string) (*models.PreviewInfo, error)
	Open(handle string) (io.ReadCloser, *models.PreviewInfo, error)
	List(limit int) ([]*models.PreviewInfo, error)
	Release(handle string) error
	GetFilePath(handle string) (string, error)
}

// LocalStore implements Store using the local filesystem.
type LocalStore struct {
	mu         sync.RWMutex
	previewDir string
	previews   map[string]*models.PreviewInfo
}

const previewExt = ".preview"

// NewLocalStore creates a new LocalStore.
func NewLocalStore(previewDir string) (*LocalStore, error) {
	if err := os.MkdirAll(previewDir, 0755); err != nil {
		return nil, fmt.Errorf("creating preview directory: %w", err)
	}

	return &LocalStore{
		previewDir: previewDir,
		previews:   make(map[string]*models.PreviewInfo),
	}, nil
}

// Save writes a preview blob and returns its handle.
func (s *LocalStore) Save(name, contentType string, r io.Reader) (*models.PreviewInfo, error) {
	handle := uuid.New().String()
	path := s.pathFor(handle)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating preview file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing preview file: %w", err)
	}

	info := &models.PreviewInfo{
		Handle:      handle,
		Name:        name,
		ContentType: contentType,
		Size:        size,
		CreatedAt:   time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews[handle] = info

	return info, nil
}

// Get retrieves preview metadata by handle.
func (s *LocalStore) Get(handle string) (*models.PreviewInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.previews[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}

	return info, nil
}

// Open returns a reader over the preview bytes.
func (s *LocalStore) Open(handle string) (io.ReadCloser, *models.PreviewInfo, error) {
	info, err := s.Get(handle)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(s.pathFor(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
		}
		return nil, nil, fmt.Errorf("opening preview file: %w", err)
	}
	return f, info, nil
}

// List returns the most recent previews.
func (s *LocalStore) List(limit int) ([]*models.PreviewInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*models.PreviewInfo
	for _, info := range s.previews {
		list = append(list, info)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	return list, nil
}

// Release deletes a preview. The handle is invalid afterwards.
func (s *LocalStore) Release(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.previews[handle]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, handle)
	}

	if err := os.Remove(s.pathFor(handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting preview file: %w", err)
	}

	delete(s.previews, handle)
	return nil
}

// GetFilePath returns the absolute path to a preview file.
func (s *LocalStore) GetFilePath(handle string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.previews[handle]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, handle)
	}

	return s.pathFor(handle), nil
}

// Len returns the number of live previews.
func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.previews)
}

// PurgeStale removes preview files left behind by an earlier process.
// Handles never survive a restart, so anything on disk that this store
// does not know about is garbage.
func (s *LocalStore) PurgeStale() (int, error) {
	entries, err := os.ReadDir(s.previewDir)
	if err != nil {
		return 0, fmt.Errorf("reading preview directory: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, previewExt) {
			continue
		}
		if _, live := s.previews[strings.TrimSuffix(name, previewExt)]; live {
			continue
		}
		if err := os.Remove(filepath.Join(s.previewDir, name)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing stale preview %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

func (s *LocalStore) pathFor(handle string) string {
	return filepath.Join(s.previewDir, handle+previewExt)
}
