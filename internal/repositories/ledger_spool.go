package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	_ "modernc.org/sqlite"
)

// LedgerSpool is a local SQLite file holding attempt records that could not be
// written to the durable ledger. A background worker replays them.
type LedgerSpool struct {
	db *sql.DB
}

// OpenLedgerSpool opens or creates the spool database at path
func OpenLedgerSpool(path string) (*LedgerSpool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger spool: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS pending_attempts (
			spool_id  INTEGER PRIMARY KEY AUTOINCREMENT,
			record    TEXT NOT NULL,
			queued_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_attempts (
			spool_id  INTEGER PRIMARY KEY,
			record    TEXT NOT NULL,
			queued_at TEXT NOT NULL,
			reason    TEXT NOT NULL,
			failed_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialise ledger spool: %w", err)
		}
	}

	return &LedgerSpool{db: db}, nil
}

func (s *LedgerSpool) Close() error {
	return s.db.Close()
}

// Enqueue stores rec for later replay
func (s *LedgerSpool) Enqueue(ctx context.Context, rec *models.AttemptRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode spooled attempt: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_attempts (record, queued_at) VALUES (?, ?)`,
		string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to spool attempt: %w", err)
	}
	return nil
}

// Pending returns up to limit spooled records, oldest first. Rows that no
// longer decode are moved to the dead-letter table instead of blocking replay.
func (s *LedgerSpool) Pending(ctx context.Context, limit int) ([]models.SpooledAttempt, error) {
	type row struct {
		id       int64
		payload  string
		queuedAt string
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT spool_id, record, queued_at FROM pending_attempts ORDER BY spool_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger spool: %w", err)
	}
	var raw []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload, &r.queuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan spooled attempt: %w", err)
		}
		raw = append(raw, r)
	}
	// The single connection must be released before dead-lettering
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger spool: %w", err)
	}

	pending := make([]models.SpooledAttempt, 0, len(raw))
	for _, r := range raw {
		item := models.SpooledAttempt{SpoolID: r.id}
		if err := json.Unmarshal([]byte(r.payload), &item.Record); err != nil {
			if dlErr := s.DeadLetter(ctx, r.id, "undecodable: "+err.Error()); dlErr != nil {
				return nil, dlErr
			}
			continue
		}
		item.QueuedAt, _ = time.Parse(time.RFC3339Nano, r.queuedAt)
		pending = append(pending, item)
	}
	return pending, nil
}

// DeadLetter moves a spooled record out of the replay queue, keeping it with reason
func (s *LedgerSpool) DeadLetter(ctx context.Context, spoolID int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to dead-letter spooled attempt %d: %w", spoolID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_attempts (spool_id, record, queued_at, reason, failed_at)
		SELECT spool_id, record, queued_at, ?, ? FROM pending_attempts WHERE spool_id = ?`,
		reason, time.Now().UTC().Format(time.RFC3339Nano), spoolID,
	)
	if err != nil {
		return fmt.Errorf("failed to dead-letter spooled attempt %d: %w", spoolID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_attempts WHERE spool_id = ?`, spoolID); err != nil {
		return fmt.Errorf("failed to dead-letter spooled attempt %d: %w", spoolID, err)
	}
	return tx.Commit()
}

// Remove deletes a replayed record
func (s *LedgerSpool) Remove(ctx context.Context, spoolID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_attempts WHERE spool_id = ?`, spoolID)
	if err != nil {
		return fmt.Errorf("failed to remove spooled attempt: %w", err)
	}
	return nil
}

// Len reports how many records are waiting
func (s *LedgerSpool) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_attempts`).Scan(&n)
	return n, err
}

// DeadLen reports how many records were set aside
func (s *LedgerSpool) DeadLen(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_attempts`).Scan(&n)
	return n, err
}
