// Package registry resolves configured backbones (storage locations stored
// as database rows) to instantiated storage backends.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contentgate/contentgate/internal/logging"
	"github.com/contentgate/contentgate/internal/metrics"
	"github.com/contentgate/contentgate/internal/storage"
	"github.com/contentgate/contentgate/internal/storage/drive"
	"github.com/contentgate/contentgate/internal/storage/local"
	"github.com/contentgate/contentgate/internal/storage/memory"
	s3backend "github.com/contentgate/contentgate/internal/storage/s3"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (storage.Backend, error) {
	switch backendType {
	case "s3":
		return s3backend.NewFromJSON(ctx, config)
	case "local":
		return local.NewFromJSON(config)
	case "drive":
		return drive.NewFromJSON(config)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}

// BackboneRow maps to the backbones table.
type BackboneRow struct {
	ID          int64
	Name        string
	BackendType string
	Config      json.RawMessage
	IsDefault   bool
	CreatedAt   time.Time
}

// BackboneStore reads and writes backbone rows.
type BackboneStore struct {
	db *sql.DB
}

// NewBackboneStore creates a backbone store.
func NewBackboneStore(db *sql.DB) *BackboneStore {
	return &BackboneStore{db: db}
}

// List returns all configured backbones.
func (s *BackboneStore) List(ctx context.Context) ([]BackboneRow, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_backbones", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, backend_type, config, is_default, created_at
		 FROM backbones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list backbones: %w", err)
	}
	defer rows.Close()

	var out []BackboneRow
	for rows.Next() {
		var r BackboneRow
		if err := rows.Scan(&r.ID, &r.Name, &r.BackendType, &r.Config, &r.IsDefault, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backbone: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Create inserts a backbone row and returns its id.
func (s *BackboneStore) Create(ctx context.Context, r *BackboneRow) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO backbones (name, backend_type, config, is_default, created_at)
		 VALUES ($1, $2, $3, $4, NOW()) RETURNING id`,
		r.Name, r.BackendType, r.Config, r.IsDefault).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create backbone: %w", err)
	}
	return id, nil
}

// Backbone pairs a BackboneRow with its instantiated Backend.
type Backbone struct {
	BackboneRow
	Backend storage.Backend
}

// Registry resolves which backbone holds a record's physical bytes.
type Registry struct {
	mu        sync.RWMutex
	backbones map[int64]*Backbone
	defaultBB *Backbone
	store     *BackboneStore
}

// New creates a Registry and loads all configured backbones.
func New(ctx context.Context, store *BackboneStore) (*Registry, error) {
	r := &Registry{
		backbones: make(map[int64]*Backbone),
		store:     store,
	}
	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return r, nil
}

// Reload re-reads all backbones from the database and re-instantiates
// backends whose configuration changed.
func (r *Registry) Reload(ctx context.Context) error {
	rows, err := r.store.List(ctx)
	if err != nil {
		return err
	}

	newBackbones := make(map[int64]*Backbone, len(rows))
	var newDefault *Backbone

	for _, row := range rows {
		row := row

		r.mu.RLock()
		existing := r.backbones[row.ID]
		r.mu.RUnlock()

		var backend storage.Backend
		if existing != nil && string(existing.Config) == string(row.Config) && existing.BackendType == row.BackendType {
			backend = existing.Backend
		} else {
			backend, err = NewBackendFromConfig(ctx, row.BackendType, row.Config)
			if err != nil {
				logging.Error("failed to initialize backbone",
					zap.Int64("backbone_id", row.ID),
					zap.String("name", row.Name),
					zap.Error(err))
				continue
			}
			if existing != nil && existing.Backend != nil {
				existing.Backend.Close()
			}
		}

		bb := &Backbone{BackboneRow: row, Backend: backend}
		newBackbones[row.ID] = bb
		if row.IsDefault {
			newDefault = bb
		}
	}

	r.mu.Lock()
	r.backbones = newBackbones
	r.defaultBB = newDefault
	r.mu.Unlock()

	logging.Info("backbone registry reloaded",
		zap.Int("backbones", len(newBackbones)),
		zap.Bool("has_default", newDefault != nil))

	return nil
}

// Resolve returns the backend for a backbone id, falling back to the default
// when id is nil or unknown.
func (r *Registry) Resolve(id *int64) (storage.Backend, *Backbone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id != nil {
		if bb, ok := r.backbones[*id]; ok {
			return bb.Backend, bb, nil
		}
	}
	if r.defaultBB != nil {
		return r.defaultBB.Backend, r.defaultBB, nil
	}
	return nil, nil, fmt.Errorf("no backbone available")
}

// Default returns the default backbone or nil.
func (r *Registry) Default() *Backbone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultBB
}

// Close closes all backend connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, bb := range r.backbones {
		if bb.Backend != nil {
			bb.Backend.Close()
		}
	}
	return nil
}
