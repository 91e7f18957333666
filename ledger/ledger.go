// Package ledger is the persistent replay-protection record. Each (network,
// nonce) pair has at most one row, either reserved or consumed; the atomic
// insert behind Reserve is the single point of truth for exactly-once
// settlement.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"facilitatord/protocol"
)

// ErrReplayed is returned by Reserve when the key is already reserved or
// consumed.
var ErrReplayed = errors.New("nonce already reserved or consumed")

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("ledger storage path must be configured")

const (
	stateReserved = "reserved"
	stateConsumed = "consumed"
)

// Ledger wraps the facilitator's persistence layer.
type Ledger struct {
	db *sql.DB
}

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// MemoryDSN is the in-memory DSN used by tests.
const MemoryDSN = "file::memory:?cache=shared"

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Ledger, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases database resources.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS nonce_records (
    network TEXT NOT NULL,
    nonce TEXT NOT NULL,
    state TEXT NOT NULL,
    reserved_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (network, nonce)
);
CREATE INDEX IF NOT EXISTS idx_nonce_records_expiry ON nonce_records(state, expires_at);

CREATE TABLE IF NOT EXISTS settlements (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    network TEXT NOT NULL,
    nonce TEXT NOT NULL,
    tx_hash TEXT NOT NULL,
    payer TEXT NOT NULL,
    amount TEXT NOT NULL,
    settled_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlements_network_ts ON settlements(network, settled_at);
`

// IsFree reports whether no live record exists for the key. Advisory: a
// reservation whose expiry has passed counts as free, since Reserve would
// reclaim it.
func (l *Ledger) IsFree(ctx context.Context, network protocol.Network, nonce string, now time.Time) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("ledger not configured")
	}
	row := l.db.QueryRowContext(ctx, `
        SELECT state, expires_at FROM nonce_records
        WHERE network = ? AND nonce = ?
    `, string(network), normalizeNonce(nonce))
	var state string
	var expiresAt int64
	if err := row.Scan(&state, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("query nonce: %w", err)
	}
	if state == stateReserved && expiresAt < now.UTC().Unix() {
		return true, nil
	}
	return false, nil
}

// Reserve atomically inserts a reserved record iff no live record exists for
// the key. A reserved record whose expiry has passed is reclaimed in the same
// statement. Exactly one concurrent caller wins; the rest get ErrReplayed.
func (l *Ledger) Reserve(ctx context.Context, network protocol.Network, nonce string, expiresAt time.Time, now time.Time) error {
	if l == nil {
		return fmt.Errorf("ledger not configured")
	}
	result, err := l.db.ExecContext(ctx, `
        INSERT INTO nonce_records(network, nonce, state, reserved_at, expires_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(network, nonce) DO UPDATE SET
            state=excluded.state,
            reserved_at=excluded.reserved_at,
            expires_at=excluded.expires_at
        WHERE nonce_records.state = ? AND nonce_records.expires_at < ?
    `, string(network), normalizeNonce(nonce), stateReserved, now.UTC().Unix(), expiresAt.UTC().Unix(),
		stateReserved, now.UTC().Unix())
	if err != nil {
		return fmt.Errorf("reserve nonce: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrReplayed
	}
	return nil
}

// MarkConsumed transitions a reservation to consumed. Idempotent: consuming
// an already-consumed record is a no-op.
func (l *Ledger) MarkConsumed(ctx context.Context, network protocol.Network, nonce string) error {
	if l == nil {
		return fmt.Errorf("ledger not configured")
	}
	if _, err := l.db.ExecContext(ctx, `
        UPDATE nonce_records SET state = ?
        WHERE network = ? AND nonce = ? AND state IN (?, ?)
    `, stateConsumed, string(network), normalizeNonce(nonce), stateReserved, stateConsumed); err != nil {
		return fmt.Errorf("mark consumed: %w", err)
	}
	return nil
}

// Release deletes a reservation so the payer may retry before expiry.
// Consumed records are never released.
func (l *Ledger) Release(ctx context.Context, network protocol.Network, nonce string) error {
	if l == nil {
		return fmt.Errorf("ledger not configured")
	}
	if _, err := l.db.ExecContext(ctx, `
        DELETE FROM nonce_records
        WHERE network = ? AND nonce = ? AND state = ?
    `, string(network), normalizeNonce(nonce), stateReserved); err != nil {
		return fmt.Errorf("release nonce: %w", err)
	}
	return nil
}

// SweepExpired deletes reservations whose expiry has passed and consumed
// records older than the retention window past their authorization lifetime.
// Consumed rows are kept long enough to guarantee replay rejection across
// restarts.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time, consumedRetention time.Duration) (int64, error) {
	if l == nil {
		return 0, fmt.Errorf("ledger not configured")
	}
	cutoff := now.UTC().Unix()
	result, err := l.db.ExecContext(ctx, `
        DELETE FROM nonce_records
        WHERE (state = ? AND expires_at < ?)
           OR (state = ? AND expires_at < ?)
    `, stateReserved, cutoff, stateConsumed, now.UTC().Add(-consumedRetention).Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep nonces: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return removed, nil
}

// SettlementRecord is one row of the reconciliation journal handed to the
// external indexer/order-management collaborators.
type SettlementRecord struct {
	Network   protocol.Network
	Nonce     string
	TxHash    string
	Payer     string
	Amount    *big.Int
	SettledAt time.Time
}

// RecordSettlement appends a journal row for a successful settlement.
func (l *Ledger) RecordSettlement(ctx context.Context, rec SettlementRecord) error {
	if l == nil {
		return fmt.Errorf("ledger not configured")
	}
	amount := "0"
	if rec.Amount != nil {
		amount = rec.Amount.String()
	}
	if _, err := l.db.ExecContext(ctx, `
        INSERT INTO settlements(network, nonce, tx_hash, payer, amount, settled_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, string(rec.Network), normalizeNonce(rec.Nonce), rec.TxHash, rec.Payer, amount, rec.SettledAt.UTC().Unix()); err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	return nil
}

// RecentSettlements returns journal rows settled at or after the cutoff.
func (l *Ledger) RecentSettlements(ctx context.Context, network protocol.Network, cutoff time.Time) ([]SettlementRecord, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger not configured")
	}
	rows, err := l.db.QueryContext(ctx, `
        SELECT network, nonce, tx_hash, payer, amount, settled_at
        FROM settlements
        WHERE network = ? AND settled_at >= ?
        ORDER BY settled_at ASC
    `, string(network), cutoff.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	defer rows.Close()
	records := make([]SettlementRecord, 0)
	for rows.Next() {
		var rec SettlementRecord
		var networkStr, amountStr string
		var settledAt int64
		if err := rows.Scan(&networkStr, &rec.Nonce, &rec.TxHash, &rec.Payer, &amountStr, &settledAt); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		rec.Network = protocol.Network(networkStr)
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			return nil, fmt.Errorf("parse settlement amount %q", amountStr)
		}
		rec.Amount = amount
		rec.SettledAt = time.Unix(settledAt, 0).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return records, nil
}

func normalizeNonce(nonce string) string {
	return strings.ToLower(strings.TrimSpace(nonce))
}
