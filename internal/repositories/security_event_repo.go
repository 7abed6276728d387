package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// chainLockKey serialises appends to the security event chain across instances
const chainLockKey int64 = 0x62617374696f6e

const eventColumns = `seq, id, category, kind, severity, subject, tenant, source_address,
	description, metadata, created_at, prev_hash, hash`

// EventSealer links a new event to the current chain head
type EventSealer interface {
	Seal(ev *models.SecurityEvent, prevHash string) error
}

// SecurityEventRepository persists hash-chained security events
type SecurityEventRepository struct {
	db     *database.DB
	pool   *pgxpool.Pool
	sealer EventSealer
}

// NewSecurityEventRepository creates a new SecurityEventRepository
func NewSecurityEventRepository(db *database.DB, sealer EventSealer) *SecurityEventRepository {
	return &SecurityEventRepository{db: db, pool: db.Pool, sealer: sealer}
}

func scanEventRow(row rowScanner) (*models.SecurityEvent, error) {
	var (
		ev       models.SecurityEvent
		kind     string
		severity string
	)

	err := row.Scan(
		&ev.Seq, &ev.ID, &ev.Category, &kind, &severity, &ev.Subject, &ev.Tenant,
		&ev.SourceAddress, &ev.Description, &ev.Metadata, &ev.Timestamp, &ev.PrevHash, &ev.Hash,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	ev.Kind = models.EventKind(kind)
	ev.Severity = models.Severity(severity)
	return &ev, nil
}

func scanEventRows(rows pgx.Rows) ([]models.SecurityEvent, error) {
	defer rows.Close()

	events := make([]models.SecurityEvent, 0)
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, *ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security event rows: %w", err)
	}
	return events, nil
}

// Append seals ev against the current chain head and inserts it.
// The advisory lock is held only for the duration of the transaction.
func (r *SecurityEventRepository) Append(ctx context.Context, ev *models.SecurityEvent) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
			return fmt.Errorf("failed to lock event chain: %w", err)
		}

		var prevHash string
		err := tx.QueryRow(ctx, `SELECT hash FROM security_events ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to read chain head: %w", err)
		}

		if err := r.sealer.Seal(ev, prevHash); err != nil {
			return fmt.Errorf("failed to seal event: %w", err)
		}

		query := `
			INSERT INTO security_events (
				id, category, kind, severity, subject, tenant, source_address,
				description, metadata, created_at, prev_hash, hash
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING seq
		`
		err = tx.QueryRow(ctx, query,
			ev.ID, ev.Category, string(ev.Kind), string(ev.Severity), ev.Subject, ev.Tenant,
			ev.SourceAddress, ev.Description, ev.Metadata, ev.Timestamp, ev.PrevHash, ev.Hash,
		).Scan(&ev.Seq)
		if err != nil {
			return fmt.Errorf("failed to insert security event: %w", database.MapPostgresError(err))
		}
		return nil
	})
}

// CountSince counts events created at or after since
func (r *SecurityEventRepository) CountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM security_events WHERE created_at >= $1`, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count security events: %w", err)
	}
	return count, nil
}

// Recent returns the newest events, most recent first
func (r *SecurityEventRepository) Recent(ctx context.Context, limit int) ([]models.SecurityEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM security_events
		ORDER BY seq DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent security events: %w", err)
	}
	return scanEventRows(rows)
}

// BySubject returns events concerning one subject, most recent first
func (r *SecurityEventRepository) BySubject(ctx context.Context, subject string, limit int, offset int) ([]models.SecurityEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM security_events
		WHERE subject = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, subject, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events by subject: %w", err)
	}
	return scanEventRows(rows)
}

// ChainSegment returns up to limit events with seq greater than afterSeq in ascending order
func (r *SecurityEventRepository) ChainSegment(ctx context.Context, afterSeq int64, limit int) ([]models.SecurityEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM security_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event chain: %w", err)
	}
	return scanEventRows(rows)
}
