package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

// rowScanner is satisfied by both pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const attemptColumns = `id, identity, resolved_account, outcome, source_address,
	client_descriptor, geo_country, geo_city, attempt_time`

// AttemptLedgerRepository is the durable, append-only store of authentication attempts
type AttemptLedgerRepository struct {
	db *database.DB
}

// NewAttemptLedgerRepository creates a new AttemptLedgerRepository
func NewAttemptLedgerRepository(db *database.DB) *AttemptLedgerRepository {
	return &AttemptLedgerRepository{db: db}
}

func failureOutcomes() interface{} {
	outcomes := make([]string, len(models.FailureOutcomes))
	for i, o := range models.FailureOutcomes {
		outcomes[i] = string(o)
	}
	return pq.Array(outcomes)
}

func scanAttemptRow(row rowScanner) (*models.AttemptRecord, error) {
	var (
		rec     models.AttemptRecord
		outcome string
		country *string
		city    *string
	)

	err := row.Scan(
		&rec.ID, &rec.Identity, &rec.ResolvedAccount, &outcome, &rec.SourceAddress,
		&rec.ClientDescriptor, &country, &city, &rec.Timestamp,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	rec.Outcome = models.Outcome(outcome)
	if country != nil {
		rec.Geo = &models.GeoLocation{Country: *country}
		if city != nil {
			rec.Geo.City = *city
		}
	}
	return &rec, nil
}

func scanAttemptRows(rows pgx.Rows) ([]models.AttemptRecord, error) {
	defer rows.Close()

	records := make([]models.AttemptRecord, 0)
	for rows.Next() {
		rec, err := scanAttemptRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt record: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt rows: %w", err)
	}
	return records, nil
}

// Append inserts one immutable attempt record
func (r *AttemptLedgerRepository) Append(ctx context.Context, rec *models.AttemptRecord) error {
	query := `
		INSERT INTO attempt_ledger (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	var country, city *string
	if rec.Geo != nil {
		country = &rec.Geo.Country
		if rec.Geo.City != "" {
			city = &rec.Geo.City
		}
	}

	_, err := r.db.Pool.Exec(ctx, query,
		rec.ID, rec.Identity, rec.ResolvedAccount, string(rec.Outcome), rec.SourceAddress,
		rec.ClientDescriptor, country, city, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append attempt: %w", database.MapPostgresError(err))
	}
	return nil
}

// RecentByAddress returns at most limit attempts from address since the given time, newest first
func (r *AttemptLedgerRepository) RecentByAddress(ctx context.Context, address string, since time.Time, limit int) ([]models.AttemptRecord, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM attempt_ledger
		WHERE source_address = $1 AND attempt_time >= $2
		ORDER BY attempt_time DESC
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, address, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts by address: %w", err)
	}
	return scanAttemptRows(rows)
}

// CountFailuresByAddress counts failed attempts from address since the given time
func (r *AttemptLedgerRepository) CountFailuresByAddress(ctx context.Context, address string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM attempt_ledger
		WHERE source_address = $1 AND outcome = ANY($2) AND attempt_time >= $3
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, address, failureOutcomes(), since).Scan(&count)
	return count, err
}

// CountFailuresByAccount counts failed attempts that targeted account, by resolved account or identity
func (r *AttemptLedgerRepository) CountFailuresByAccount(ctx context.Context, account string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM attempt_ledger
		WHERE (resolved_account = $1 OR identity = $1)
		  AND outcome = ANY($2) AND attempt_time >= $3
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, account, failureOutcomes(), since).Scan(&count)
	return count, err
}

// SuccessfulAddresses returns the distinct addresses account has successfully authenticated from since the given time
func (r *AttemptLedgerRepository) SuccessfulAddresses(ctx context.Context, account string, since time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT source_address FROM attempt_ledger
		WHERE resolved_account = $1 AND outcome = $2 AND attempt_time >= $3
	`

	rows, err := r.db.Pool.Query(ctx, query, account, string(models.OutcomeSuccess), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query successful addresses: %w", err)
	}
	defer rows.Close()

	addresses := make([]string, 0)
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addresses = append(addresses, addr)
	}
	return addresses, rows.Err()
}

// RecentSuccesses returns successful attempts for account since the given time, newest first
func (r *AttemptLedgerRepository) RecentSuccesses(ctx context.Context, account string, since time.Time, limit int) ([]models.AttemptRecord, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM attempt_ledger
		WHERE resolved_account = $1 AND outcome = $2 AND attempt_time >= $3
		ORDER BY attempt_time DESC
		LIMIT $4
	`

	rows, err := r.db.Pool.Query(ctx, query, account, string(models.OutcomeSuccess), since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent successes: %w", err)
	}
	return scanAttemptRows(rows)
}

// CountOutcomes returns failed and successful attempt totals since the given time
func (r *AttemptLedgerRepository) CountOutcomes(ctx context.Context, since time.Time) (failed int, succeeded int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE outcome = ANY($1)),
			COUNT(*) FILTER (WHERE outcome = $2)
		FROM attempt_ledger
		WHERE attempt_time >= $3
	`

	err = r.db.Pool.QueryRow(ctx, query, failureOutcomes(), string(models.OutcomeSuccess), since).Scan(&failed, &succeeded)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return failed, succeeded, nil
}

// TopFailedAddresses ranks addresses by failed attempts since the given time
func (r *AttemptLedgerRepository) TopFailedAddresses(ctx context.Context, since time.Time, limit int) ([]models.AddressCount, error) {
	query := `
		SELECT source_address, COUNT(*) AS failures
		FROM attempt_ledger
		WHERE outcome = ANY($1) AND attempt_time >= $2
		GROUP BY source_address
		ORDER BY failures DESC, source_address
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, failureOutcomes(), since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top failed addresses: %w", err)
	}
	defer rows.Close()

	result := make([]models.AddressCount, 0, limit)
	for rows.Next() {
		var ac models.AddressCount
		if err := rows.Scan(&ac.Address, &ac.Count); err != nil {
			return nil, fmt.Errorf("failed to scan address count: %w", err)
		}
		result = append(result, ac)
	}
	return result, rows.Err()
}

// DeleteOlderThan removes attempts past the retention horizon
func (r *AttemptLedgerRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM attempt_ledger WHERE attempt_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune attempt ledger: %w", err)
	}
	return result.RowsAffected(), nil
}
