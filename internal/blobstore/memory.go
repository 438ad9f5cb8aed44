package blobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/AnshRaj112/hams-diary/internal/models"
)

// Memory is an in-process Store. Paths registered with FailDeletes make
// Delete return an error, which tests use to exercise partial failures.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	failing map[string]error
	deletes []string
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte), failing: make(map[string]error)}
}

func (m *Memory) Put(_ context.Context, path string, data []byte, contentType string) (models.BlobRef, error) {
	if path == "" {
		return models.BlobRef{}, ErrEmptyPath
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = append([]byte(nil), data...)
	return models.BlobRef{
		Path:        path,
		URL:         "memory://" + path,
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, path)
	if err, ok := m.failing[path]; ok {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	delete(m.objects, path)
	return nil
}

// FailDeletes makes every later Delete of path fail with err.
func (m *Memory) FailDeletes(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[path] = err
}

func (m *Memory) Has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Deletes returns every path Delete was called with, in call order.
func (m *Memory) Deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}
