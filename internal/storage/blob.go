package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dharsanguruparan/SignFlow/internal/model"
)

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryBlob is an in-memory blob store. Public URLs are BaseURL + "/" + path.
type MemoryBlob struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string]Object
	// FailUpload, when set, makes Upload fail for paths it returns true for.
	FailUpload func(path string) bool
}

// NewMemoryBlob constructs a MemoryBlob.
func NewMemoryBlob(baseURL string) *MemoryBlob {
	return &MemoryBlob{BaseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string]Object)}
}

// Upload stores a copy of data at path.
func (b *MemoryBlob) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	if b.FailUpload != nil && b.FailUpload(path) {
		return fmt.Errorf("upload %s: simulated failure", path)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.objects[path] = Object{Data: cp, ContentType: contentType}
	return nil
}

// Download returns the bytes stored at path.
func (b *MemoryBlob) Download(ctx context.Context, path string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, model.ErrNotFound)
	}
	cp := make([]byte, len(obj.Data))
	copy(cp, obj.Data)
	return cp, nil
}

// PublicURL returns the URL the object is served from.
func (b *MemoryBlob) PublicURL(path string) string {
	return b.BaseURL + "/" + path
}

// Object returns the stored object at path.
func (b *MemoryBlob) Object(path string) (Object, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[path]
	return obj, ok
}

// Paths lists stored paths in sorted order.
func (b *MemoryBlob) Paths() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.objects))
	for p := range b.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
