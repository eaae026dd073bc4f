// Package storage defines the Backend interface for physical content storage.
// Drivers live in subpackages; the registry subpackage maps configured
// backbones to instantiated backends.
package storage

import (
	"context"
	"path"

	"github.com/contentgate/contentgate/internal/locator"
)

// Entity identifies one stored binary within a backbone: the node it belongs
// to plus the content record's uuid. Keys derived from it are stable across
// backends so records can be moved between backbones.
type Entity struct {
	NodeID      string
	ContentUUID string
}

// Key returns the storage key for the main binary.
func (e Entity) Key() string {
	return path.Join(e.NodeID, e.ContentUUID)
}

// AssetKey returns the storage key for a derived asset of the binary.
// Assets live under a sibling prefix, never under the binary's own key:
// on filesystem-backed backends the main binary is a regular file, so
// nothing can nest below it.
func (e Entity) AssetKey(assetKey string) string {
	return path.Join(e.NodeID, "_assets", e.ContentUUID, assetKey)
}

// Backend is the interface for physical content storage drivers.
// Implementations handle raw binary I/O (local filesystem, S3, remote drive,
// in-memory). Metadata rows are handled separately by the content repository.
type Backend interface {
	// Write stores the main binary for an entity.
	Write(ctx context.Context, entity Entity, content *locator.Handle) error

	// WriteAsset stores a derived asset (thumbnail, preview) for an entity.
	WriteAsset(ctx context.Context, entity Entity, assetKey string, content *locator.Handle) error

	// Read returns a lazy handle to the entity's main binary. Opening the
	// handle with a byte range performs a ranged read against the origin.
	Read(ctx context.Context, entity Entity) (*locator.Handle, error)

	// ReadAsset returns a lazy handle to a derived asset.
	ReadAsset(ctx context.Context, entity Entity, assetKey string) (*locator.Handle, error)

	// Delete removes the entity's main binary. Deleting a missing binary is
	// not an error.
	Delete(ctx context.Context, entity Entity) error

	// DeleteAsset removes a derived asset.
	DeleteAsset(ctx context.Context, entity Entity, assetKey string) error

	// Type returns the backend type identifier ("local", "s3", "memory", "drive").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Copier is implemented by backends that support server-side copy within the
// same backbone. Callers fall back to a generic read+write when the backend
// does not implement it or returns false.
type Copier interface {
	Copy(ctx context.Context, source, target Entity) (bool, error)
}
