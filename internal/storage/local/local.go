// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/contentgate/contentgate/internal/locator"
	"github.com/contentgate/contentgate/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Backend implements storage.Backend using the local filesystem.
type Backend struct {
	rootPath   string
	createDirs bool
}

// New creates a new local filesystem backend.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{
		rootPath:   cfg.RootPath,
		createDirs: cfg.CreateDirs,
	}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

func (b *Backend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// Write stores an entity's main binary atomically (temp file + rename).
func (b *Backend) Write(ctx context.Context, entity storage.Entity, content *locator.Handle) error {
	return b.writeKey(ctx, entity.Key(), content)
}

// WriteAsset stores a derived asset atomically.
func (b *Backend) WriteAsset(ctx context.Context, entity storage.Entity, assetKey string, content *locator.Handle) error {
	return b.writeKey(ctx, entity.AssetKey(assetKey), content)
}

func (b *Backend) writeKey(ctx context.Context, key string, content *locator.Handle) error {
	src, err := content.Open(ctx, nil)
	if err != nil {
		return fmt.Errorf("open content for %s: %w", key, err)
	}
	defer src.Close()

	path := b.fullPath(key)
	dir := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, ".contentgate-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}

	return nil
}

// Read returns a path-backed handle; ranged opens become seek+limit reads.
func (b *Backend) Read(_ context.Context, entity storage.Entity) (*locator.Handle, error) {
	return b.readKey(entity.Key())
}

// ReadAsset returns a path-backed handle for a derived asset.
func (b *Backend) ReadAsset(_ context.Context, entity storage.Entity, assetKey string) (*locator.Handle, error) {
	return b.readKey(entity.AssetKey(assetKey))
}

func (b *Backend) readKey(key string) (*locator.Handle, error) {
	path := b.fullPath(key)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return locator.FromPath(path)
}

// Delete removes an entity's main binary.
func (b *Backend) Delete(_ context.Context, entity storage.Entity) error {
	return b.deleteKey(entity.Key())
}

// DeleteAsset removes a derived asset.
func (b *Backend) DeleteAsset(_ context.Context, entity storage.Entity, assetKey string) error {
	return b.deleteKey(entity.AssetKey(assetKey))
}

func (b *Backend) deleteKey(key string) error {
	err := os.Remove(b.fullPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Copy copies a binary within the same filesystem root.
func (b *Backend) Copy(_ context.Context, source, target storage.Entity) (bool, error) {
	srcPath := b.fullPath(source.Key())
	dstPath := b.fullPath(target.Key())

	if b.createDirs {
		if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
			return false, fmt.Errorf("create dirs for %s: %w", target.Key(), err)
		}
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return false, fmt.Errorf("open src %s: %w", source.Key(), err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".contentgate-*.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp for %s: %w", target.Key(), err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, fmt.Errorf("copy %s -> %s: %w", source.Key(), target.Key(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("close temp for %s: %w", target.Key(), err)
	}

	if err := os.Rename(tmpName, dstPath); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("rename temp to %s: %w", target.Key(), err)
	}

	return true, nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
