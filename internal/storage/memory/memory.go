// Package memory provides an in-memory storage backend, used for tests and
// for tenants whose content never needs to survive a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/contentgate/contentgate/internal/locator"
	"github.com/contentgate/contentgate/internal/storage"
)

// Backend implements storage.Backend over a map.
type Backend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{objects: make(map[string][]byte)}
}

func (b *Backend) put(ctx context.Context, key string, content *locator.Handle) error {
	data, err := content.Materialize(ctx, nil)
	if err != nil {
		return fmt.Errorf("materialize content for %s: %w", key, err)
	}
	// Copy so later writes through the handle's buffer cannot alias stored bytes.
	stored := make([]byte, len(data))
	copy(stored, data)

	b.mu.Lock()
	b.objects[key] = stored
	b.mu.Unlock()
	return nil
}

func (b *Backend) get(key string) (*locator.Handle, error) {
	b.mu.RLock()
	data, ok := b.objects[key]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return locator.FromBuffer(data)
}

func (b *Backend) del(key string) {
	b.mu.Lock()
	delete(b.objects, key)
	b.mu.Unlock()
}

// Write stores an entity's main binary.
func (b *Backend) Write(ctx context.Context, entity storage.Entity, content *locator.Handle) error {
	return b.put(ctx, entity.Key(), content)
}

// WriteAsset stores a derived asset.
func (b *Backend) WriteAsset(ctx context.Context, entity storage.Entity, assetKey string, content *locator.Handle) error {
	return b.put(ctx, entity.AssetKey(assetKey), content)
}

// Read returns a buffer-backed handle.
func (b *Backend) Read(_ context.Context, entity storage.Entity) (*locator.Handle, error) {
	return b.get(entity.Key())
}

// ReadAsset returns a buffer-backed handle for a derived asset.
func (b *Backend) ReadAsset(_ context.Context, entity storage.Entity, assetKey string) (*locator.Handle, error) {
	return b.get(entity.AssetKey(assetKey))
}

// Delete removes an entity's main binary.
func (b *Backend) Delete(_ context.Context, entity storage.Entity) error {
	b.del(entity.Key())
	return nil
}

// DeleteAsset removes a derived asset.
func (b *Backend) DeleteAsset(_ context.Context, entity storage.Entity, assetKey string) error {
	b.del(entity.AssetKey(assetKey))
	return nil
}

// Copy duplicates a binary within the map.
func (b *Backend) Copy(_ context.Context, source, target storage.Entity) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.objects[source.Key()]
	if !ok {
		return false, fmt.Errorf("object %s not found", source.Key())
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	b.objects[target.Key()] = stored
	return true, nil
}

// Len returns the number of stored objects.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// Type returns "memory".
func (b *Backend) Type() string { return "memory" }

// Close is a no-op for in-memory backends.
func (b *Backend) Close() error { return nil }
