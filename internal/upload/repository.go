package upload

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/contentgate/contentgate/internal/apperr"
	"github.com/contentgate/contentgate/internal/database"
	"github.com/contentgate/contentgate/internal/metrics"
)

// SessionRepository persists upload sessions.
type SessionRepository interface {
	Insert(ctx context.Context, s *Session) error
	Find(ctx context.Context, uuid string) (*Session, error)

	// Transition moves a session from one status to another, failing with
	// Conflict when the session is not in the expected state.
	Transition(ctx context.Context, uuid, from, to string) error

	// FindExpired returns non-terminal sessions past their expiry.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error)

	// DeleteClearedBefore hard-deletes CLEARED sessions older than cutoff.
	DeleteClearedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PartRepository persists upload parts.
type PartRepository interface {
	Insert(ctx context.Context, p *Part) error
	FindActive(ctx context.Context, sessionUUID string) ([]*Part, error)
	FindActiveByNumber(ctx context.Context, sessionUUID string, number int) (*Part, error)
	CountActive(ctx context.Context, sessionUUID string) (int, error)

	// Promote flips a DRAFT part to ACTIVE and, when replacedUUID is set,
	// deactivates the superseded part in the same transaction.
	Promote(ctx context.Context, partUUID, replacedUUID string) error

	// TransitionAll moves every part of a session in status from to status to.
	TransitionAll(ctx context.Context, sessionUUID, from, to string) error

	DeleteBySession(ctx context.Context, sessionUUID string) error
}

// PostgresSessionRepository implements SessionRepository.
type PostgresSessionRepository struct {
	db *sql.DB
}

// NewPostgresSessionRepository creates a session repository.
func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{db: db}
}

const sessionColumns = `uuid, node_id, status, content_size, mime_type, original_name,
	declared_sha256, expires_at, created_at, created_by`

func (r *PostgresSessionRepository) Insert(ctx context.Context, s *Session) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_upload_session", time.Since(start)) }()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO upload_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.UUID, s.NodeID, s.Status, s.ContentSize, s.MimeType, s.OriginalName,
		s.DeclaredSHA256, s.ExpiresAt, s.CreatedAt, s.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert upload session %s: %w", s.UUID, err)
	}
	return nil
}

func (r *PostgresSessionRepository) Find(ctx context.Context, uuid string) (*Session, error) {
	var s Session
	err := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE uuid = $1`, uuid).
		Scan(&s.UUID, &s.NodeID, &s.Status, &s.ContentSize, &s.MimeType,
			&s.OriginalName, &s.DeclaredSHA256, &s.ExpiresAt, &s.CreatedAt, &s.CreatedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find upload session %s: %w", uuid, err)
	}
	return &s, nil
}

func (r *PostgresSessionRepository) Transition(ctx context.Context, uuid, from, to string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE upload_sessions SET status = $1 WHERE uuid = $2 AND status = $3`,
		to, uuid, from)
	if err != nil {
		return fmt.Errorf("transition session %s %s->%s: %w", uuid, from, to, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return apperr.New(apperr.KindConflict, "session %s is not %s", uuid, from)
	}
	metrics.RecordSessionTransition(from + "->" + to)
	return nil
}

func (r *PostgresSessionRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions
		 WHERE status IN ($1, $2) AND expires_at < $3
		 ORDER BY expires_at LIMIT $4`,
		SessionActive, SessionFinalizing, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.UUID, &s.NodeID, &s.Status, &s.ContentSize, &s.MimeType,
			&s.OriginalName, &s.DeclaredSHA256, &s.ExpiresAt, &s.CreatedAt, &s.CreatedBy); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *PostgresSessionRepository) DeleteClearedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM upload_sessions WHERE status = $1 AND created_at < $2`,
		SessionCleared, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete cleared sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PostgresPartRepository implements PartRepository.
type PostgresPartRepository struct {
	db *sql.DB
}

// NewPostgresPartRepository creates a part repository.
func NewPostgresPartRepository(db *sql.DB) *PostgresPartRepository {
	return &PostgresPartRepository{db: db}
}

const partColumns = `uuid, session_uuid, part_number, size, sha256, status, created_at`

func (r *PostgresPartRepository) Insert(ctx context.Context, p *Part) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO upload_parts (`+partColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.UUID, p.SessionUUID, p.PartNumber, p.Size, p.SHA256, p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert upload part %s: %w", p.UUID, err)
	}
	return nil
}

func (r *PostgresPartRepository) FindActive(ctx context.Context, sessionUUID string) ([]*Part, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_active_parts", time.Since(start)) }()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+partColumns+` FROM upload_parts
		 WHERE session_uuid = $1 AND status = $2
		 ORDER BY part_number`,
		sessionUUID, PartActive)
	if err != nil {
		return nil, fmt.Errorf("find active parts: %w", err)
	}
	defer rows.Close()

	var out []*Part
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.UUID, &p.SessionUUID, &p.PartNumber, &p.Size,
			&p.SHA256, &p.Status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *PostgresPartRepository) FindActiveByNumber(ctx context.Context, sessionUUID string, number int) (*Part, error) {
	var p Part
	err := r.db.QueryRowContext(ctx,
		`SELECT `+partColumns+` FROM upload_parts
		 WHERE session_uuid = $1 AND part_number = $2 AND status = $3`,
		sessionUUID, number, PartActive).
		Scan(&p.UUID, &p.SessionUUID, &p.PartNumber, &p.Size, &p.SHA256, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active part %d: %w", number, err)
	}
	return &p, nil
}

func (r *PostgresPartRepository) CountActive(ctx context.Context, sessionUUID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upload_parts WHERE session_uuid = $1 AND status = $2`,
		sessionUUID, PartActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active parts: %w", err)
	}
	return n, nil
}

func (r *PostgresPartRepository) Promote(ctx context.Context, partUUID, replacedUUID string) error {
	return database.WithinTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		if replacedUUID != "" {
			res, err := tx.ExecContext(ctx,
				`UPDATE upload_parts SET status = $1 WHERE uuid = $2 AND status = $3`,
				PartDeleted, replacedUUID, PartActive)
			if err != nil {
				return fmt.Errorf("deactivate part %s: %w", replacedUUID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return apperr.New(apperr.KindConflict, "part %s is no longer active", replacedUUID)
			}
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE upload_parts SET status = $1 WHERE uuid = $2 AND status = $3`,
			PartActive, partUUID, PartDraft)
		if err != nil {
			return fmt.Errorf("promote part %s: %w", partUUID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return apperr.New(apperr.KindConflict, "part %s is not a draft", partUUID)
		}
		return nil
	})
}

func (r *PostgresPartRepository) TransitionAll(ctx context.Context, sessionUUID, from, to string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE upload_parts SET status = $1 WHERE session_uuid = $2 AND status = $3`,
		to, sessionUUID, from)
	if err != nil {
		return fmt.Errorf("transition parts of %s %s->%s: %w", sessionUUID, from, to, err)
	}
	return nil
}

func (r *PostgresPartRepository) DeleteBySession(ctx context.Context, sessionUUID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM upload_parts WHERE session_uuid = $1`, sessionUUID)
	if err != nil {
		return fmt.Errorf("delete parts of %s: %w", sessionUUID, err)
	}
	return nil
}
