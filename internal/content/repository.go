package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/contentgate/contentgate/internal/apperr"
	"github.com/contentgate/contentgate/internal/database"
	"github.com/contentgate/contentgate/internal/encryption"
	"github.com/contentgate/contentgate/internal/metrics"
)

// SweepOptions bounds one page of the reclamation scan.
type SweepOptions struct {
	// DeletedBefore selects DELETED records soft-deleted before this time.
	DeletedBefore time.Time
	// DraftBefore selects DRAFT records created before this time (orphans
	// from crashed creates).
	DraftBefore time.Time
	// AttemptBefore excludes records whose last delete attempt is newer,
	// so a failing record is not retried in a tight loop.
	AttemptBefore time.Time
	Limit         int
}

// Repository persists content records.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	FindActive(ctx context.Context, nodeID, key string) (*Record, error)
	FindByUUID(ctx context.Context, uuid string) (*Record, error)

	// Activate flips a DRAFT row to ACTIVE, failing with Conflict when
	// another ACTIVE row for the same node and key appeared in between.
	Activate(ctx context.Context, rec *Record) error

	// SwapActive marks the old row DELETED and the new DRAFT row ACTIVE in
	// one transaction. Readers observe exactly one active row throughout.
	SwapActive(ctx context.Context, oldUUID, newUUID string, deletedAt time.Time) error

	MarkDeleted(ctx context.Context, uuid string, at time.Time) error
	MarkDeleteAttempt(ctx context.Context, uuid string, at time.Time) error
	FindDeletable(ctx context.Context, opts SweepOptions) ([]*Record, error)
	DeleteRow(ctx context.Context, uuid string) error
}

// PostgresRepository implements Repository against the contents table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a content repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const recordColumns = `uuid, node_id, key, version, status, size, mime_type, original_name,
	backbone_id, encryption, metadata, created_at, created_by, deleted_at, last_delete_attempt_at`

func (r *PostgresRepository) Insert(ctx context.Context, rec *Record) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_content", time.Since(start)) }()

	encJSON, metaJSON, err := marshalRecordJSON(rec)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO contents (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.UUID, rec.NodeID, rec.Key, rec.Version, rec.Status, rec.Size,
		rec.MimeType, rec.OriginalName, rec.BackboneID, encJSON, metaJSON,
		rec.CreatedAt, rec.CreatedBy, rec.DeletedAt, rec.LastDeleteAttemptAt)
	if err != nil {
		return fmt.Errorf("insert content %s: %w", rec.UUID, err)
	}
	return nil
}

func (r *PostgresRepository) FindActive(ctx context.Context, nodeID, key string) (*Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_active_content", time.Since(start)) }()
	return findActive(ctx, r.db, nodeID, key)
}

// findActive takes a Querier so the activation re-check runs the exact same
// query inside its transaction.
func findActive(ctx context.Context, q database.Querier, nodeID, key string) (*Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM contents
		 WHERE node_id = $1 AND key = $2 AND status = $3`,
		nodeID, key, StatusActive)
	return scanRecord(row)
}

func (r *PostgresRepository) FindByUUID(ctx context.Context, uuid string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM contents WHERE uuid = $1`, uuid)
	return scanRecord(row)
}

func (r *PostgresRepository) Activate(ctx context.Context, rec *Record) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("activate_content", time.Since(start)) }()

	return database.WithinTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		active, err := findActive(ctx, tx, rec.NodeID, rec.Key)
		if err != nil {
			return fmt.Errorf("check active content: %w", err)
		}
		if active != nil {
			return apperr.New(apperr.KindConflict, "active content already exists for node %s key %s", rec.NodeID, rec.Key)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE contents SET status = $1 WHERE uuid = $2 AND status = $3`,
			StatusActive, rec.UUID, StatusDraft)
		if err != nil {
			return fmt.Errorf("activate content %s: %w", rec.UUID, err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return apperr.New(apperr.KindConflict, "content %s is no longer a draft", rec.UUID)
		}
		return nil
	})
}

func (r *PostgresRepository) SwapActive(ctx context.Context, oldUUID, newUUID string, deletedAt time.Time) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("swap_active_content", time.Since(start)) }()

	return database.WithinTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE contents SET status = $1, deleted_at = $2 WHERE uuid = $3 AND status = $4`,
			StatusDeleted, deletedAt, oldUUID, StatusActive)
		if err != nil {
			return fmt.Errorf("retire content %s: %w", oldUUID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return apperr.New(apperr.KindConflict, "content %s is no longer active", oldUUID)
		}

		res, err = tx.ExecContext(ctx,
			`UPDATE contents SET status = $1 WHERE uuid = $2 AND status = $3`,
			StatusActive, newUUID, StatusDraft)
		if err != nil {
			return fmt.Errorf("promote content %s: %w", newUUID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return apperr.New(apperr.KindConflict, "content %s is no longer a draft", newUUID)
		}
		return nil
	})
}

func (r *PostgresRepository) MarkDeleted(ctx context.Context, uuid string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE contents SET status = $1, deleted_at = $2 WHERE uuid = $3 AND status = $4`,
		StatusDeleted, at, uuid, StatusActive)
	if err != nil {
		return fmt.Errorf("mark content %s deleted: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return apperr.New(apperr.KindConflict, "content %s is no longer active", uuid)
	}
	return nil
}

func (r *PostgresRepository) MarkDeleteAttempt(ctx context.Context, uuid string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contents SET last_delete_attempt_at = $1 WHERE uuid = $2`, at, uuid)
	if err != nil {
		return fmt.Errorf("mark delete attempt %s: %w", uuid, err)
	}
	return nil
}

func (r *PostgresRepository) FindDeletable(ctx context.Context, opts SweepOptions) ([]*Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_deletable_content", time.Since(start)) }()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM contents
		 WHERE ((status = $1 AND deleted_at < $2) OR (status = $3 AND created_at < $4))
		   AND (last_delete_attempt_at IS NULL OR last_delete_attempt_at < $5)
		 ORDER BY last_delete_attempt_at ASC NULLS FIRST
		 LIMIT $6`,
		StatusDeleted, opts.DeletedBefore, StatusDraft, opts.DraftBefore,
		opts.AttemptBefore, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("find deletable content: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteRow(ctx context.Context, uuid string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM contents WHERE uuid = $1`, uuid)
	if err != nil {
		return fmt.Errorf("delete content row %s: %w", uuid, err)
	}
	return nil
}

func marshalRecordJSON(rec *Record) (encJSON, metaJSON []byte, err error) {
	if rec.Encryption != nil {
		encJSON, err = json.Marshal(rec.Encryption)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal encryption spec: %w", err)
		}
	}
	metaJSON, err = json.Marshal(rec.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return encJSON, metaJSON, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row *sql.Row) (*Record, error) {
	rec, err := scanInto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func scanRecordRows(rows *sql.Rows) (*Record, error) {
	return scanInto(rows)
}

func scanInto(s rowScanner) (*Record, error) {
	var rec Record
	var encJSON, metaJSON []byte
	err := s.Scan(&rec.UUID, &rec.NodeID, &rec.Key, &rec.Version, &rec.Status,
		&rec.Size, &rec.MimeType, &rec.OriginalName, &rec.BackboneID,
		&encJSON, &metaJSON, &rec.CreatedAt, &rec.CreatedBy,
		&rec.DeletedAt, &rec.LastDeleteAttemptAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan content record: %w", err)
	}

	if len(encJSON) > 0 {
		rec.Encryption = &encryption.Spec{}
		if err := json.Unmarshal(encJSON, rec.Encryption); err != nil {
			return nil, fmt.Errorf("unmarshal encryption spec: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}
