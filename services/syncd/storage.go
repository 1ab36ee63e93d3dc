package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the bridge's cursor, address mappings and the
// attempt history for every sync operation.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS address_mappings (
            custody_address TEXT PRIMARY KEY,
            receipt_ref TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS sync_operations (
            id TEXT PRIMARY KEY,
            escrow_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            event_sequence INTEGER NOT NULL,
            event_json TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_sync_operations_escrow
            ON sync_operations(escrow_id);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const cursorName = "custody_events"

// LastEventSequence returns the highest sequence the bridge has fully
// processed. Zero means start from the beginning of the feed.
func (s *SQLiteStore) LastEventSequence(ctx context.Context) (uint64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = ?`
	row := s.db.QueryRowContext(ctx, query, cursorName)
	var value int64
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, nil
	}
	return uint64(value), nil
}

func (s *SQLiteStore) UpdateEventSequence(ctx context.Context, seq uint64) error {
	const stmt = `INSERT OR REPLACE INTO event_cursors(name, value) VALUES (?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, cursorName, int64(seq))
	return err
}

func (s *SQLiteStore) SaveMapping(custodyAddress, receiptRef string) error {
	const stmt = `INSERT OR IGNORE INTO address_mappings(custody_address, receipt_ref) VALUES (?, ?)`
	_, err := s.db.Exec(stmt, custodyAddress, receiptRef)
	return err
}

func (s *SQLiteStore) LookupMapping(custodyAddress string) (string, bool, error) {
	const query = `SELECT receipt_ref FROM address_mappings WHERE custody_address = ?`
	row := s.db.QueryRow(query, custodyAddress)
	var ref string
	err := row.Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ref, true, nil
}

// OperationRecord tracks a single cross-ledger reconciliation attempt
// chain for an escrow.
type OperationRecord struct {
	ID        string
	EscrowID  string
	Kind      string
	Sequence  uint64
	EventJSON string
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	opStatusPending   = "pending"
	opStatusSucceeded = "succeeded"
	opStatusFailed    = "failed"
)

func (s *SQLiteStore) InsertOperation(ctx context.Context, rec OperationRecord) error {
	const stmt = `INSERT INTO sync_operations(id, escrow_id, kind, event_sequence, event_json, status, attempts, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, stmt, rec.ID, rec.EscrowID, rec.Kind, int64(rec.Sequence), rec.EventJSON, rec.Status, rec.Attempts, rec.LastError, now, now)
	return err
}

func (s *SQLiteStore) UpdateOperation(ctx context.Context, id, status string, attempts int, lastError string) error {
	const stmt = `UPDATE sync_operations SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, stmt, status, attempts, lastError, time.Now().UTC(), id)
	return err
}

// OperationsByEscrow lists the attempt chains recorded for an escrow,
// oldest first.
func (s *SQLiteStore) OperationsByEscrow(ctx context.Context, escrowID string) ([]OperationRecord, error) {
	const query = `SELECT id, escrow_id, kind, event_sequence, event_json, status, attempts, last_error, created_at, updated_at
        FROM sync_operations WHERE escrow_id = ? ORDER BY created_at ASC`
	return s.queryOperations(ctx, query, escrowID)
}

// PendingOperations lists the operations that have not reached a
// terminal status, oldest event first. The bridge replays them at
// startup so work enqueued but undelivered before a crash is not lost.
func (s *SQLiteStore) PendingOperations(ctx context.Context) ([]OperationRecord, error) {
	const query = `SELECT id, escrow_id, kind, event_sequence, event_json, status, attempts, last_error, created_at, updated_at
        FROM sync_operations WHERE status = ? ORDER BY event_sequence ASC`
	return s.queryOperations(ctx, query, opStatusPending)
}

func (s *SQLiteStore) queryOperations(ctx context.Context, query string, args ...interface{}) ([]OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []OperationRecord
	for rows.Next() {
		var rec OperationRecord
		var seq int64
		var lastError sql.NullString
		if err := rows.Scan(&rec.ID, &rec.EscrowID, &rec.Kind, &seq, &rec.EventJSON, &rec.Status, &rec.Attempts, &lastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Sequence = uint64(seq)
		rec.LastError = lastError.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PendingOperationCount reports how many operations have not reached a
// terminal status yet.
func (s *SQLiteStore) PendingOperationCount(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM sync_operations WHERE status = ?`
	row := s.db.QueryRowContext(ctx, query, opStatusPending)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
