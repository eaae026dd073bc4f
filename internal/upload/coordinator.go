package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contentgate/contentgate/internal/apperr"
	"github.com/contentgate/contentgate/internal/content"
	"github.com/contentgate/contentgate/internal/locator"
	"github.com/contentgate/contentgate/internal/lock"
	"github.com/contentgate/contentgate/internal/logging"
	"github.com/contentgate/contentgate/internal/metrics"
	"github.com/contentgate/contentgate/internal/tasks"
)

// ContentStore is the slice of the content version store the coordinator
// hands finalized streams to.
type ContentStore interface {
	CreateOrUpdate(ctx context.Context, nodeID, key string, up content.Upload) (*content.Record, error)
}

// Config bounds sessions and tunes lock durations.
type Config struct {
	UploadRoot     string
	MaxSessionSize int64
	MaxPartSize    int64
	MaxParts       int
	SessionTTL     time.Duration

	// ClearedRetention is how long CLEARED rows are kept before PurgeCleared
	// hard-deletes them.
	ClearedRetention time.Duration

	// FinalizeLockDuration must exceed the full content-store write;
	// CleanupLockDuration covers only file removal.
	FinalizeLockDuration time.Duration
	CleanupLockDuration  time.Duration
	CleanupLockTimeout   time.Duration

	PurgePageSize int
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.FinalizeLockDuration <= 0 {
		c.FinalizeLockDuration = 5 * time.Minute
	}
	if c.CleanupLockDuration <= 0 {
		c.CleanupLockDuration = 30 * time.Second
	}
	if c.CleanupLockTimeout <= 0 {
		c.CleanupLockTimeout = 10 * time.Second
	}
	if c.PurgePageSize <= 0 {
		c.PurgePageSize = 100
	}
}

// Coordinator drives the upload session state machine. Every session state
// transition runs under the session's named lock.
type Coordinator struct {
	sessions SessionRepository
	parts    PartRepository
	store    ContentStore
	locks    *lock.Manager
	runner   *tasks.Runner
	cfg      Config
}

// NewCoordinator creates an upload coordinator.
func NewCoordinator(sessions SessionRepository, parts PartRepository, store ContentStore, locks *lock.Manager, runner *tasks.Runner, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		sessions: sessions,
		parts:    parts,
		store:    store,
		locks:    locks,
		runner:   runner,
		cfg:      cfg,
	}
}

// CreateSession opens a new upload session and provisions its storage
// namespace.
func (c *Coordinator) CreateSession(ctx context.Context, nodeID string, declaredSize int64, mimeType, fileName, declaredSHA256, createdBy string) (*Session, error) {
	if declaredSize <= 0 {
		return nil, apperr.New(apperr.KindBadRequest, "declared content size must be positive, got %d", declaredSize)
	}
	if c.cfg.MaxSessionSize > 0 && declaredSize > c.cfg.MaxSessionSize {
		return nil, apperr.New(apperr.KindBadRequest, "declared content size %d exceeds limit %d", declaredSize, c.cfg.MaxSessionSize)
	}

	now := time.Now().UTC()
	s := &Session{
		UUID:           uuid.NewString(),
		NodeID:         nodeID,
		Status:         SessionActive,
		ContentSize:    declaredSize,
		MimeType:       mimeType,
		OriginalName:   fileName,
		DeclaredSHA256: declaredSHA256,
		ExpiresAt:      now.Add(c.cfg.SessionTTL),
		CreatedAt:      now,
		CreatedBy:      createdBy,
	}

	if err := os.MkdirAll(filepath.Join(s.Root(c.cfg.UploadRoot), "parts"), 0o755); err != nil {
		return nil, fmt.Errorf("provision session storage: %w", err)
	}
	if err := c.sessions.Insert(ctx, s); err != nil {
		return nil, err
	}
	metrics.RecordSessionTransition("created")
	return s, nil
}

// AcceptPart stores one part. Re-uploading a number deactivates the previous
// part only after the new bytes are written and verified; the superseded
// file is removed by a detached task.
func (c *Coordinator) AcceptPart(ctx context.Context, sessionUUID string, partNumber int, contentHandle *locator.Handle, declaredSHA256 string) (*Part, error) {
	if partNumber < 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "part number must be non-negative, got %d", partNumber)
	}

	s, err := c.sessions.Find(ctx, sessionUUID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.New(apperr.KindNotFound, "upload session %s not found", sessionUUID)
	}
	if s.Status != SessionActive {
		return nil, apperr.New(apperr.KindConflict, "session %s is %s, not ACTIVE", sessionUUID, s.Status)
	}
	if !s.ExpiresAt.After(time.Now()) {
		return nil, apperr.New(apperr.KindConflict, "session %s has expired", sessionUUID)
	}

	old, err := c.parts.FindActiveByNumber(ctx, sessionUUID, partNumber)
	if err != nil {
		return nil, err
	}
	if old == nil {
		count, err := c.parts.CountActive(ctx, sessionUUID)
		if err != nil {
			return nil, err
		}
		if c.cfg.MaxParts > 0 && count >= c.cfg.MaxParts {
			return nil, apperr.New(apperr.KindBadRequest, "session %s already has %d parts", sessionUUID, count)
		}
	}

	p := &Part{
		UUID:        uuid.NewString(),
		SessionUUID: sessionUUID,
		PartNumber:  partNumber,
		Status:      PartDraft,
		CreatedAt:   time.Now().UTC(),
	}
	path := s.PartPath(c.cfg.UploadRoot, p.UUID)
	size, digest, err := c.writePart(ctx, path, contentHandle)
	if err != nil {
		return nil, err
	}
	if c.cfg.MaxPartSize > 0 && size > c.cfg.MaxPartSize {
		os.Remove(path)
		return nil, apperr.New(apperr.KindBadRequest, "part size %d exceeds limit %d", size, c.cfg.MaxPartSize)
	}
	if declaredSHA256 != "" && declaredSHA256 != digest {
		os.Remove(path)
		return nil, apperr.New(apperr.KindBadRequest, "part hash mismatch")
	}
	p.Size = size
	p.SHA256 = digest

	if err := c.parts.Insert(ctx, p); err != nil {
		os.Remove(path)
		return nil, err
	}

	replaced := ""
	if old != nil {
		replaced = old.UUID
	}
	if err := c.parts.Promote(ctx, p.UUID, replaced); err != nil {
		os.Remove(path)
		return nil, err
	}
	p.Status = PartActive
	metrics.RecordPartAccepted(size)

	if old != nil {
		c.scheduleOldPartCleanup(s, old)
	}
	return p, nil
}

func (c *Coordinator) writePart(ctx context.Context, path string, contentHandle *locator.Handle) (int64, string, error) {
	src, err := contentHandle.Open(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("open part content: %w", err)
	}
	defer src.Close()

	f, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("create part file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, "", fmt.Errorf("write part file: %w", err)
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// scheduleOldPartCleanup removes a superseded part's bytes off the request
// path. Failure is logged, never surfaced; the row is already deactivated.
func (c *Coordinator) scheduleOldPartCleanup(s *Session, old *Part) {
	path := s.PartPath(c.cfg.UploadRoot, old.UUID)
	c.runner.Submit(tasks.Task{
		Name: "old-part-cleanup",
		Run: func(ctx context.Context) error {
			return c.locks.ExecuteLocking(ctx, s.LockCode(), lock.Options{
				Duration:   c.cfg.CleanupLockDuration,
				Timeout:    c.cfg.CleanupLockTimeout,
				RetryEvery: 100 * time.Millisecond,
			}, func(ctx context.Context) error {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return err
				}
				return nil
			})
		},
	})
}

// Finalize validates completeness, reassembles the parts into one composite
// stream, and hands it to the content store. Runs entirely under the
// session's lock; two racing finalizes cannot both pass the ACTIVE guard.
func (c *Coordinator) Finalize(ctx context.Context, sessionUUID, key string) (*content.Record, error) {
	var rec *content.Record
	s, err := c.sessions.Find(ctx, sessionUUID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.New(apperr.KindNotFound, "upload session %s not found", sessionUUID)
	}

	err = c.locks.ExecuteLocking(ctx, s.LockCode(), lock.Options{Duration: c.cfg.FinalizeLockDuration}, func(ctx context.Context) error {
		// Re-read under the lock; a racing finalize may have won.
		s, err = c.sessions.Find(ctx, sessionUUID)
		if err != nil {
			return err
		}
		if s.Status != SessionActive {
			return apperr.New(apperr.KindConflict, "session %s is %s, not ACTIVE", sessionUUID, s.Status)
		}

		parts, err := c.parts.FindActive(ctx, sessionUUID)
		if err != nil {
			return err
		}
		paths, err := c.validateParts(s, parts)
		if err != nil {
			return err
		}
		composite, err := CompositeHandle(paths)
		if err != nil {
			return err
		}

		if err := c.sessions.Transition(ctx, sessionUUID, SessionActive, SessionFinalizing); err != nil {
			return err
		}
		rec, err = c.store.CreateOrUpdate(ctx, s.NodeID, key, content.Upload{
			Content:        composite,
			Size:           s.ContentSize,
			MimeType:       s.MimeType,
			OriginalName:   s.OriginalName,
			CreatedBy:      s.CreatedBy,
			DeclaredSHA256: s.DeclaredSHA256,
		})
		if err != nil {
			return err
		}
		return c.sessions.Transition(ctx, sessionUUID, SessionFinalizing, SessionFinalized)
	})
	if err != nil {
		return nil, err
	}

	c.scheduleSessionCleanup(s, SessionFinalized)
	return rec, nil
}

// Abort cancels an active session. Requires the lock and the ACTIVE state.
func (c *Coordinator) Abort(ctx context.Context, sessionUUID string) error {
	s, err := c.sessions.Find(ctx, sessionUUID)
	if err != nil {
		return err
	}
	if s == nil {
		return apperr.New(apperr.KindNotFound, "upload session %s not found", sessionUUID)
	}

	err = c.locks.ExecuteLocking(ctx, s.LockCode(), lock.Options{Duration: c.cfg.CleanupLockDuration}, func(ctx context.Context) error {
		return c.sessions.Transition(ctx, sessionUUID, SessionActive, SessionDeleted)
	})
	if err != nil {
		return err
	}

	c.scheduleSessionCleanup(s, SessionDeleted)
	return nil
}

// validateParts enforces completeness: a contiguous number sequence starting
// at 0 or 1 whose sizes sum to the declared session size.
func (c *Coordinator) validateParts(s *Session, parts []*Part) ([]string, error) {
	if len(parts) == 0 {
		return nil, apperr.New(apperr.KindBadRequest, "session %s has no parts", s.UUID)
	}
	if c.cfg.MaxParts > 0 && len(parts) > c.cfg.MaxParts {
		return nil, apperr.New(apperr.KindBadRequest, "session %s has %d parts, limit %d", s.UUID, len(parts), c.cfg.MaxParts)
	}

	first := parts[0].PartNumber
	if first != 0 && first != 1 {
		return nil, apperr.New(apperr.KindBadRequest, "part numbers must start at 0 or 1, got %d", first)
	}

	var total int64
	paths := make([]string, 0, len(parts))
	for i, p := range parts {
		if p.PartNumber != first+i {
			return nil, apperr.New(apperr.KindBadRequest, "missing part %d", first+i)
		}
		total += p.Size
		paths = append(paths, s.PartPath(c.cfg.UploadRoot, p.UUID))
	}

	if total != s.ContentSize {
		return nil, apperr.New(apperr.KindBadRequest, "part sizes sum to %d, session declared %d", total, s.ContentSize)
	}
	if c.cfg.MaxSessionSize > 0 && total > c.cfg.MaxSessionSize {
		return nil, apperr.New(apperr.KindBadRequest, "total size %d exceeds limit %d", total, c.cfg.MaxSessionSize)
	}
	return paths, nil
}

// scheduleSessionCleanup detaches the physical teardown of a session in a
// terminal-bound state: parts DELETED, folder removed, parts and session
// CLEARED. Failure never undoes the finalize or abort that triggered it.
func (c *Coordinator) scheduleSessionCleanup(s *Session, fromStatus string) {
	c.runner.Submit(tasks.Task{
		Name: "session-cleanup",
		Run: func(ctx context.Context) error {
			return c.locks.ExecuteLocking(ctx, s.LockCode(), lock.Options{
				Duration:   c.cfg.CleanupLockDuration,
				Timeout:    c.cfg.CleanupLockTimeout,
				RetryEvery: 100 * time.Millisecond,
			}, func(ctx context.Context) error {
				return c.cleanupSession(ctx, s, fromStatus)
			})
		},
	})
}

func (c *Coordinator) cleanupSession(ctx context.Context, s *Session, fromStatus string) error {
	if err := c.parts.TransitionAll(ctx, s.UUID, PartActive, PartDeleted); err != nil {
		return err
	}
	if err := c.parts.TransitionAll(ctx, s.UUID, PartDraft, PartDeleted); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Root(c.cfg.UploadRoot)); err != nil {
		return fmt.Errorf("remove session folder: %w", err)
	}
	if err := c.parts.TransitionAll(ctx, s.UUID, PartDeleted, PartCleared); err != nil {
		return err
	}
	return c.sessions.Transition(ctx, s.UUID, fromStatus, SessionCleared)
}

// PurgeExpired force-aborts sessions past their expiry that never reached a
// terminal state, then cleans them up inline.
func (c *Coordinator) PurgeExpired(ctx context.Context) (int, error) {
	expired, err := c.sessions.FindExpired(ctx, time.Now().UTC(), c.cfg.PurgePageSize)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, s := range expired {
		s := s
		err := c.locks.ExecuteLocking(ctx, s.LockCode(), lock.Options{Duration: c.cfg.CleanupLockDuration}, func(ctx context.Context) error {
			if err := c.sessions.Transition(ctx, s.UUID, s.Status, SessionDeleted); err != nil {
				return err
			}
			return c.cleanupSession(ctx, s, SessionDeleted)
		})
		if err != nil {
			logging.Warn("expired session purge failed",
				zap.String("session_uuid", s.UUID),
				zap.Error(err))
			metrics.RecordSweep("expired_sessions", false)
			continue
		}
		metrics.RecordSweep("expired_sessions", true)
		purged++
	}
	return purged, nil
}

// PurgeCleared hard-deletes CLEARED session rows past the retention window.
func (c *Coordinator) PurgeCleared(ctx context.Context) (int64, error) {
	n, err := c.sessions.DeleteClearedBefore(ctx, time.Now().UTC().Add(-c.cfg.ClearedRetention))
	if err != nil {
		metrics.RecordSweep("cleared_sessions", false)
		return 0, err
	}
	if n > 0 {
		logging.Info("cleared sessions purged", zap.Int64("count", n))
	}
	metrics.RecordSweep("cleared_sessions", true)
	return n, nil
}
