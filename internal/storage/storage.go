package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("object not found")

// Store persists blobs and turns locators into public URLs.
type Store interface {
	Put(ctx context.Context, prefix string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
	// Delete removes the blob; a missing blob is not an error.
	Delete(ctx context.Context, locator string) error
	Resolve(locator string) string
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

func newLocator(prefix, contentType string) string {
	day := time.Now().UTC().Format("2006/01/02")
	return path.Join(prefix, day, uuid.NewString()+extension(contentType))
}

func validLocator(locator string) bool {
	if locator == "" || strings.HasPrefix(locator, "/") {
		return false
	}
	for _, seg := range strings.Split(locator, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

// LocalStore writes under dir and serves through baseURL (a CDN origin or
// a local static route).
type LocalStore struct {
	dir     string
	baseURL string
}

func NewLocalStore(dir, baseURL string) *LocalStore {
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Put(_ context.Context, prefix string, data []byte, contentType string) (string, error) {
	locator := newLocator(prefix, contentType)
	full := filepath.Join(s.dir, filepath.FromSlash(locator))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", locator, err)
	}
	return locator, nil
}

func (s *LocalStore) Get(_ context.Context, locator string) ([]byte, error) {
	if !validLocator(locator) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(locator)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *LocalStore) Delete(_ context.Context, locator string) error {
	if !validLocator(locator) {
		return nil
	}
	err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(locator)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", locator, err)
	}
	return nil
}

func (s *LocalStore) Resolve(locator string) string {
	if locator == "" {
		return ""
	}
	return s.baseURL + "/" + locator
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	baseURL string
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *MemoryStore) Put(_ context.Context, prefix string, data []byte, contentType string) (string, error) {
	locator := newLocator(prefix, contentType)
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[locator] = buf
	s.mu.Unlock()
	return locator, nil
}

func (s *MemoryStore) Get(_ context.Context, locator string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[locator]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *MemoryStore) Delete(_ context.Context, locator string) error {
	s.mu.Lock()
	delete(s.objects, locator)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Resolve(locator string) string {
	if locator == "" {
		return ""
	}
	return s.baseURL + "/" + locator
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
