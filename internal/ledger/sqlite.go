package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists accounts in a local SQLite database. Every mutation
// is a single conditional UPDATE, so the WHERE clause acts as compare-and-set.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing ledger path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteBackend{db: db}, nil
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// EnsureAccount inserts the account with initialTokens unless it already exists.
func (b *SQLiteBackend) EnsureAccount(ctx context.Context, userID string, initialTokens int) error {
	if userID == "" {
		return ErrIdentityRequired
	}
	if initialTokens < 0 {
		initialTokens = 0
	}
	now := time.Now().UnixMilli()
	_, err := b.db.ExecContext(ctx, `
INSERT INTO accounts(user_id, tokens, last_claim_day, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, '', ?, ?)
ON CONFLICT(user_id) DO NOTHING
`, userID, initialTokens, now, now)
	return err
}

// Balance returns the stored token count.
func (b *SQLiteBackend) Balance(ctx context.Context, userID string) (int, error) {
	var tokens int
	err := b.db.QueryRowContext(ctx, `SELECT tokens FROM accounts WHERE user_id = ?`, userID).Scan(&tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	return tokens, err
}

// Spend removes one token and returns the new balance.
func (b *SQLiteBackend) Spend(ctx context.Context, userID string) (int, error) {
	res, err := b.db.ExecContext(ctx, `
UPDATE accounts
SET tokens = tokens - 1, updated_at_unix_ms = ?
WHERE user_id = ? AND tokens > 0
`, time.Now().UnixMilli(), userID)
	if err != nil {
		return 0, err
	}
	if err := b.requireUpdated(ctx, res, userID, ErrInsufficientTokens); err != nil {
		return 0, err
	}
	return b.Balance(ctx, userID)
}

// Credit adds n tokens and returns the new balance.
func (b *SQLiteBackend) Credit(ctx context.Context, userID string, n int) (int, error) {
	if n <= 0 {
		return 0, ErrInvalidAmount
	}
	res, err := b.db.ExecContext(ctx, `
UPDATE accounts
SET tokens = tokens + ?, updated_at_unix_ms = ?
WHERE user_id = ?
`, n, time.Now().UnixMilli(), userID)
	if err != nil {
		return 0, err
	}
	if err := b.requireUpdated(ctx, res, userID, ErrAccountNotFound); err != nil {
		return 0, err
	}
	return b.Balance(ctx, userID)
}

// Claim applies the daily grant in one conditional UPDATE and reports
// whether a row matched.
func (b *SQLiteBackend) Claim(ctx context.Context, userID, day string, policy Policy) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
UPDATE accounts
SET tokens = tokens + ?, last_claim_day = ?, updated_at_unix_ms = ?
WHERE user_id = ? AND last_claim_day <> ? AND tokens < ?
`, policy.DailyGrant, day, time.Now().UnixMilli(), userID, day, policy.ClaimThreshold)
	if err != nil {
		return false, err
	}
	if err := b.requireUpdated(ctx, res, userID, errNotEligible); err != nil {
		if errors.Is(err, errNotEligible) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// LastClaim returns the day of the last successful claim, or "".
func (b *SQLiteBackend) LastClaim(ctx context.Context, userID string) (string, error) {
	var day string
	err := b.db.QueryRowContext(ctx, `SELECT last_claim_day FROM accounts WHERE user_id = ?`, userID).Scan(&day)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAccountNotFound
	}
	return day, err
}

var errNotEligible = errors.New("not eligible")

// requireUpdated returns conflict when the UPDATE matched no row of an
// existing account, and ErrAccountNotFound when the account is missing.
func (b *SQLiteBackend) requireUpdated(ctx context.Context, res sql.Result, userID string, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts WHERE user_id = ?`, userID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrAccountNotFound
	}
	return conflict
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	// Schema versions:
	// - v1: accounts table
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS accounts (
  user_id TEXT PRIMARY KEY,
  tokens INTEGER NOT NULL CHECK (tokens >= 0),
  last_claim_day TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("create table v1: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d;", targetVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}
