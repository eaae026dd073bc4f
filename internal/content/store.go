package content

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contentgate/contentgate/internal/apperr"
	"github.com/contentgate/contentgate/internal/encryption"
	"github.com/contentgate/contentgate/internal/locator"
	"github.com/contentgate/contentgate/internal/logging"
	"github.com/contentgate/contentgate/internal/metrics"
	"github.com/contentgate/contentgate/internal/process"
	"github.com/contentgate/contentgate/internal/storage"
	"github.com/contentgate/contentgate/internal/storage/registry"
)

// BackendResolver maps a backbone id (nil for the default) to a backend.
type BackendResolver interface {
	Resolve(id *int64) (storage.Backend, *registry.Backbone, error)
}

// Config tunes the store's lifecycle windows.
type Config struct {
	// EncryptionAlgorithm enables encryption at rest when non-empty.
	EncryptionAlgorithm encryption.Algorithm

	// DeleteGracePeriod is how long a soft-deleted record keeps its bytes
	// before the sweep may reclaim them.
	DeleteGracePeriod time.Duration
	// DraftStaleAfter is the age at which an orphaned draft becomes sweepable.
	DraftStaleAfter time.Duration
	// DeleteRetryAfter spaces out repeated reclamation attempts on a record.
	DeleteRetryAfter time.Duration
	SweepPageSize    int
}

// Store owns the draft/active/deleted lifecycle of content records.
type Store struct {
	repo      Repository
	backends  BackendResolver
	processor process.Processor
	cfg       Config
}

// NewStore creates a content version store.
func NewStore(repo Repository, backends BackendResolver, processor process.Processor, cfg Config) *Store {
	if cfg.SweepPageSize <= 0 {
		cfg.SweepPageSize = 100
	}
	return &Store{repo: repo, backends: backends, processor: processor, cfg: cfg}
}

// Create stores a new binary for a node and key. Fails with Conflict when an
// active record already exists. The physical write happens before the row
// insert and the activation flip happens last, so a crash can orphan a draft
// row but never publish an active row without bytes.
func (s *Store) Create(ctx context.Context, nodeID, key string, upload Upload) (*Record, error) {
	rec, err := s.create(ctx, nodeID, key, upload)
	metrics.RecordContentOperation("create", err == nil)
	return rec, err
}

func (s *Store) create(ctx context.Context, nodeID, key string, upload Upload) (*Record, error) {
	if key == "" {
		key = DefaultKey
	}
	existing, err := s.repo.FindActive(ctx, nodeID, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.New(apperr.KindConflict, "active content already exists for node %s key %s", nodeID, key)
	}

	rec := &Record{
		UUID:         uuid.NewString(),
		NodeID:       nodeID,
		Key:          key,
		Version:      1,
		Status:       StatusDraft,
		MimeType:     upload.MimeType,
		OriginalName: upload.OriginalName,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    upload.CreatedBy,
	}

	if err := s.writeAndDescribe(ctx, rec, upload); err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}

	// The two-phase write leaves a race window; the activation re-checks
	// under one transaction. A lost race leaves this draft for the sweep.
	if err := s.repo.Activate(ctx, rec); err != nil {
		logging.Warn("draft lost activation race",
			zap.String("content_uuid", rec.UUID),
			zap.String("node_id", nodeID),
			zap.Error(err))
		return nil, err
	}
	rec.Status = StatusActive
	return rec, nil
}

// Update replaces the active binary with a new version: a full-copy draft row
// with version+1, new physical bytes, then one atomic two-row swap.
func (s *Store) Update(ctx context.Context, nodeID, key string, upload Upload) (*Record, error) {
	rec, err := s.update(ctx, nodeID, key, upload)
	metrics.RecordContentOperation("update", err == nil)
	return rec, err
}

func (s *Store) update(ctx context.Context, nodeID, key string, upload Upload) (*Record, error) {
	if key == "" {
		key = DefaultKey
	}
	old, err := s.repo.FindActive(ctx, nodeID, key)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, apperr.New(apperr.KindNotFound, "no active content for node %s key %s", nodeID, key)
	}
	if upload.ExpectedVersion != 0 && upload.ExpectedVersion != old.Version {
		return nil, apperr.New(apperr.KindConflict, "content version changed: expected %d, have %d", upload.ExpectedVersion, old.Version)
	}

	rec := &Record{
		UUID:         uuid.NewString(),
		NodeID:       nodeID,
		Key:          key,
		Version:      old.Version + 1,
		Status:       StatusDraft,
		MimeType:     upload.MimeType,
		OriginalName: upload.OriginalName,
		BackboneID:   old.BackboneID,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    upload.CreatedBy,
	}
	if rec.MimeType == "" {
		rec.MimeType = old.MimeType
	}
	if rec.OriginalName == "" {
		rec.OriginalName = old.OriginalName
	}

	if err := s.writeAndDescribe(ctx, rec, upload); err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.repo.SwapActive(ctx, old.UUID, rec.UUID, time.Now().UTC()); err != nil {
		return nil, err
	}
	rec.Status = StatusActive
	return rec, nil
}

// CreateOrUpdate creates when no active record exists, updates otherwise.
func (s *Store) CreateOrUpdate(ctx context.Context, nodeID, key string, upload Upload) (*Record, error) {
	existing, err := s.repo.FindActive(ctx, nodeID, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return s.Create(ctx, nodeID, key, upload)
	}
	return s.Update(ctx, nodeID, key, upload)
}

// writeAndDescribe processes the upload, writes the (possibly encrypted)
// bytes and derived assets to the backend, and fills the record in place.
// The source handle is opened exactly once: its bytes are spooled to a
// temp file, so processing, encryption, and backend retries all re-read
// from disk instead of holding the payload in memory.
func (s *Store) writeAndDescribe(ctx context.Context, rec *Record, upload Upload) error {
	backend, backbone, err := s.backends.Resolve(rec.BackboneID)
	if err != nil {
		return err
	}
	if rec.BackboneID == nil && backbone != nil {
		id := backbone.ID
		rec.BackboneID = &id
	}

	spoolPath, size, err := spoolContent(ctx, upload.Content)
	if err != nil {
		return err
	}
	defer os.Remove(spoolPath)
	rec.Size = size

	plain, err := locator.FromPath(spoolPath)
	if err != nil {
		return err
	}
	result, err := s.processor.Process(ctx, rec.OriginalName, plain)
	if err != nil {
		return fmt.Errorf("process content: %w", err)
	}
	rec.Metadata = Metadata{
		SHA256: result.SHA256,
		MD5:    result.MD5,
		ETag:   result.ETag,
		Facets: result.Facets,
	}
	if upload.DeclaredSHA256 != "" {
		rec.Metadata.SHA256 = upload.DeclaredSHA256
	}

	entity := storage.Entity{NodeID: rec.NodeID, ContentUUID: rec.UUID}
	writeHandle := plain
	if s.cfg.EncryptionAlgorithm != "" {
		spec := &encryption.Spec{Algorithm: s.cfg.EncryptionAlgorithm}
		if err := spec.EnsureKeyMaterial(); err != nil {
			return err
		}
		// Backends may open the write handle more than once (transport
		// retries); every open rebuilds the cipher stream from the spool,
		// so a drained stream is never re-sent.
		writeHandle, err = locator.FromOpener(func(ctx context.Context, rng *locator.ByteRange) (io.ReadCloser, error) {
			if rng != nil {
				return nil, apperr.New(apperr.KindInvalidArgument, "ciphertext write handle does not support ranged reads")
			}
			f, err := os.Open(spoolPath)
			if err != nil {
				return nil, fmt.Errorf("open spool: %w", err)
			}
			ciphertext, err := encryption.Encrypt(f, spec)
			if err != nil {
				f.Close()
				return nil, err
			}
			return &readCloser{Reader: ciphertext, closer: f}, nil
		})
		if err != nil {
			return err
		}
		rec.Encryption = spec
	}

	if err := backend.Write(ctx, entity, writeHandle); err != nil {
		return err
	}
	metrics.RecordContentWrite(rec.Size)

	// Derived assets are stored in the clear; they are regenerable and the
	// range-read machinery never applies to them.
	assetKeys := make([]string, 0, len(result.Assets))
	for k := range result.Assets {
		assetKeys = append(assetKeys, k)
	}
	sort.Strings(assetKeys)
	for _, k := range assetKeys {
		assetHandle, err := locator.FromBuffer(result.Assets[k])
		if err != nil {
			return err
		}
		if err := backend.WriteAsset(ctx, entity, k, assetHandle); err != nil {
			return fmt.Errorf("write asset %s: %w", k, err)
		}
		rec.Metadata.Assets = append(rec.Metadata.Assets, k)
	}
	return nil
}

// Retrieve returns a deferred handle to the active content for a node and key.
func (s *Store) Retrieve(ctx context.Context, nodeID, key string) (*Retriever, error) {
	if key == "" {
		key = DefaultKey
	}
	rec, err := s.repo.FindActive(ctx, nodeID, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.New(apperr.KindNotFound, "no active content for node %s key %s", nodeID, key)
	}

	backend, _, err := s.backends.Resolve(rec.BackboneID)
	if err != nil {
		return nil, err
	}

	return &Retriever{
		Record:   rec,
		provider: s.provider(rec, backend),
	}, nil
}

// RetrieveAsset returns a deferred handle to a derived asset.
func (s *Store) RetrieveAsset(ctx context.Context, nodeID, key, assetKey string) (*Retriever, error) {
	if key == "" {
		key = DefaultKey
	}
	rec, err := s.repo.FindActive(ctx, nodeID, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.New(apperr.KindNotFound, "no active content for node %s key %s", nodeID, key)
	}
	if !rec.Metadata.HasAsset(assetKey) {
		return nil, apperr.New(apperr.KindNotFound, "no asset %s for node %s key %s", assetKey, nodeID, key)
	}

	backend, _, err := s.backends.Resolve(rec.BackboneID)
	if err != nil {
		return nil, err
	}

	entity := storage.Entity{NodeID: rec.NodeID, ContentUUID: rec.UUID}
	return &Retriever{
		Record: rec,
		provider: func(ctx context.Context, rng *locator.ByteRange) (io.ReadCloser, error) {
			handle, err := backend.ReadAsset(ctx, entity, assetKey)
			if err != nil {
				return nil, err
			}
			return handle.Open(ctx, rng)
		},
	}, nil
}

// provider builds the lazy byte source for a record, routing range requests
// through the aligned-window cipher machinery when the record is encrypted.
func (s *Store) provider(rec *Record, backend storage.Backend) ProviderFunc {
	entity := storage.Entity{NodeID: rec.NodeID, ContentUUID: rec.UUID}

	return func(ctx context.Context, rng *locator.ByteRange) (io.ReadCloser, error) {
		handle, err := backend.Read(ctx, entity)
		if err != nil {
			return nil, err
		}
		if rec.Encryption == nil {
			rc, err := handle.Open(ctx, rng)
			if err == nil {
				n := rec.Size
				if rng != nil {
					n = rng.Length()
				}
				metrics.RecordContentRead(n)
			}
			return rc, err
		}
		return s.openEncrypted(ctx, rec, handle, rng)
	}
}

func (s *Store) openEncrypted(ctx context.Context, rec *Record, handle *locator.Handle, rng *locator.ByteRange) (io.ReadCloser, error) {
	props, err := encryption.PropertiesOf(rec.Encryption.Algorithm)
	if err != nil {
		return nil, err
	}

	// Whole-object read, or an authenticated algorithm that cannot seek:
	// decrypt everything, then trim to the request if there was one.
	if rng == nil || !props.RandomAccess {
		rc, err := handle.Open(ctx, nil)
		if err != nil {
			return nil, err
		}
		plain, err := encryption.Decrypt(rc, rec.Encryption)
		if err != nil {
			rc.Close()
			return nil, err
		}
		out := plain
		if rng != nil {
			if rng.End >= rec.Size {
				rc.Close()
				return nil, apperr.New(apperr.KindInvalidArgument, "range end %d beyond content size %d", rng.End, rec.Size)
			}
			w := encryption.FetchWindow{Start: 0, End: rec.Size - 1, SkipStart: rng.Start, SkipEnd: rng.End}
			out = w.Trim(plain)
			metrics.RecordEncryptedRangeRead(false)
		}
		metrics.RecordContentRead(rec.Size)
		return &readCloser{Reader: out, closer: rc}, nil
	}

	w, err := encryption.AlignedFetchWindow(rng.Start, rng.End, rec.Size, int64(props.BlockSize))
	if err != nil {
		return nil, err
	}
	metrics.RecordEncryptedRangeRead(w.Exact)

	rc, err := handle.Open(ctx, &locator.ByteRange{Start: w.Start, End: w.End})
	if err != nil {
		return nil, err
	}

	spec := *rec.Encryption
	spec.IVBlockOffset = w.BlockOffset
	plain, err := encryption.Decrypt(rc, &spec)
	if err != nil {
		rc.Close()
		return nil, err
	}
	metrics.RecordContentRead(rng.Length())
	return &readCloser{Reader: w.Trim(plain), closer: rc}, nil
}

// Delete soft-deletes the active record. Bytes are reclaimed by the sweep
// after the grace period.
func (s *Store) Delete(ctx context.Context, nodeID, key string) error {
	if key == "" {
		key = DefaultKey
	}
	rec, err := s.repo.FindActive(ctx, nodeID, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperr.New(apperr.KindNotFound, "no active content for node %s key %s", nodeID, key)
	}
	err = s.repo.MarkDeleted(ctx, rec.UUID, time.Now().UTC())
	metrics.RecordContentOperation("delete", err == nil)
	return err
}

// Copy duplicates the active content of one node onto another. Backends on
// the same backbone may do it server-side; otherwise the bytes are re-read
// and re-created, carrying the verified hash along.
func (s *Store) Copy(ctx context.Context, sourceNodeID, targetNodeID, key string) (*Record, error) {
	if key == "" {
		key = DefaultKey
	}
	src, err := s.repo.FindActive(ctx, sourceNodeID, key)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, apperr.New(apperr.KindNotFound, "no active content for node %s key %s", sourceNodeID, key)
	}

	backend, _, err := s.backends.Resolve(src.BackboneID)
	if err != nil {
		return nil, err
	}

	if copier, ok := backend.(storage.Copier); ok && src.Encryption == nil {
		if rec, err := s.copyServerSide(ctx, copier, src, targetNodeID); err == nil {
			metrics.RecordContentOperation("copy", true)
			return rec, nil
		}
		logging.Warn("server-side copy failed, falling back to re-upload",
			zap.String("source_node", sourceNodeID),
			zap.String("target_node", targetNodeID),
			zap.Error(err))
	}

	retriever, err := s.Retrieve(ctx, sourceNodeID, key)
	if err != nil {
		return nil, err
	}
	contentHandle, err := locator.FromOpener(func(ctx context.Context, rng *locator.ByteRange) (io.ReadCloser, error) {
		return retriever.ContentProvider(ctx, rng)
	})
	if err != nil {
		return nil, err
	}
	rec, err := s.Create(ctx, targetNodeID, key, Upload{
		Content:        contentHandle,
		MimeType:       src.MimeType,
		OriginalName:   src.OriginalName,
		CreatedBy:      src.CreatedBy,
		DeclaredSHA256: src.Metadata.SHA256,
	})
	metrics.RecordContentOperation("copy", err == nil)
	return rec, err
}

func (s *Store) copyServerSide(ctx context.Context, copier storage.Copier, src *Record, targetNodeID string) (*Record, error) {
	existing, err := s.repo.FindActive(ctx, targetNodeID, src.Key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.New(apperr.KindConflict, "active content already exists for node %s key %s", targetNodeID, src.Key)
	}

	rec := &Record{
		UUID:         uuid.NewString(),
		NodeID:       targetNodeID,
		Key:          src.Key,
		Version:      1,
		Status:       StatusDraft,
		Size:         src.Size,
		MimeType:     src.MimeType,
		OriginalName: src.OriginalName,
		BackboneID:   src.BackboneID,
		Metadata:     src.Metadata,
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    src.CreatedBy,
	}

	sourceEntity := storage.Entity{NodeID: src.NodeID, ContentUUID: src.UUID}
	targetEntity := storage.Entity{NodeID: rec.NodeID, ContentUUID: rec.UUID}
	if ok, err := copier.Copy(ctx, sourceEntity, targetEntity); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("backend declined server-side copy")
		}
		return nil, err
	}
	// Assets are separate objects under the entity prefix, copied key by key.
	backend, _, err := s.backends.Resolve(src.BackboneID)
	if err != nil {
		return nil, err
	}
	for _, assetKey := range src.Metadata.Assets {
		h, err := backend.ReadAsset(ctx, sourceEntity, assetKey)
		if err != nil {
			return nil, err
		}
		if err := backend.WriteAsset(ctx, targetEntity, assetKey, h); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.repo.Activate(ctx, rec); err != nil {
		return nil, err
	}
	rec.Status = StatusActive
	return rec, nil
}

// Sweep reclaims physical bytes of deletable records: soft-deleted past the
// grace period and orphaned drafts past the staleness window. Returns how
// many records were fully reclaimed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	records, err := s.repo.FindDeletable(ctx, SweepOptions{
		DeletedBefore: now.Add(-s.cfg.DeleteGracePeriod),
		DraftBefore:   now.Add(-s.cfg.DraftStaleAfter),
		AttemptBefore: now.Add(-s.cfg.DeleteRetryAfter),
		Limit:         s.cfg.SweepPageSize,
	})
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, rec := range records {
		if err := s.reclaim(ctx, rec); err != nil {
			logging.Warn("content reclamation failed",
				zap.String("content_uuid", rec.UUID),
				zap.Error(err))
			metrics.RecordSweep("content", false)
			continue
		}
		metrics.RecordSweep("content", true)
		reclaimed++
	}
	return reclaimed, nil
}

// reclaim stamps the attempt first so a crash mid-delete cannot cause a
// tight retry loop, then deletes assets, the main binary, and the row.
func (s *Store) reclaim(ctx context.Context, rec *Record) error {
	if err := s.repo.MarkDeleteAttempt(ctx, rec.UUID, time.Now().UTC()); err != nil {
		return err
	}

	backend, _, err := s.backends.Resolve(rec.BackboneID)
	if err != nil {
		return err
	}
	entity := storage.Entity{NodeID: rec.NodeID, ContentUUID: rec.UUID}

	for _, assetKey := range rec.Metadata.Assets {
		if err := backend.DeleteAsset(ctx, entity, assetKey); err != nil {
			return fmt.Errorf("delete asset %s: %w", assetKey, err)
		}
	}
	if err := backend.Delete(ctx, entity); err != nil {
		return err
	}
	return s.repo.DeleteRow(ctx, rec.UUID)
}

// spoolContent drains a source handle into a temp file and returns its path
// and byte count. The caller removes the file.
func spoolContent(ctx context.Context, content *locator.Handle) (string, int64, error) {
	spool, err := os.CreateTemp("", "contentgate-spool-*")
	if err != nil {
		return "", 0, fmt.Errorf("create spool file: %w", err)
	}
	path := spool.Name()

	src, err := content.Open(ctx, nil)
	if err != nil {
		spool.Close()
		os.Remove(path)
		return "", 0, fmt.Errorf("open upload content: %w", err)
	}
	size, err := io.Copy(spool, src)
	src.Close()
	if cerr := spool.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("spool upload content: %w", err)
	}
	return path, size, nil
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r *readCloser) Close() error { return r.closer.Close() }
