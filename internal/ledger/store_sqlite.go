package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore implements Store for SQLite using the same SQL mapping as
// the PostgreSQL store: conditional UPDATE for the compare-and-swap and
// a plain INSERT whose unique-constraint failure signals a creation race.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite balance store and its table.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS balances (
			user_id TEXT PRIMARY KEY,
			token_credits INTEGER NOT NULL DEFAULT 0,
			credits_text INTEGER NOT NULL DEFAULT 0,
			credits_image INTEGER NOT NULL DEFAULT 0,
			credits_presentation INTEGER NOT NULL DEFAULT 0,
			credits_video INTEGER NOT NULL DEFAULT 0,
			auto_refill_enabled INTEGER NOT NULL DEFAULT 0,
			refill_interval_value INTEGER NOT NULL DEFAULT 0,
			refill_interval_unit TEXT NOT NULL DEFAULT '',
			refill_amount INTEGER NOT NULL DEFAULT 0,
			last_refill DATETIME
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create balances table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Find returns the balance row for user, or nil, nil when absent.
func (s *SQLiteStore) Find(ctx context.Context, user string) (*Balance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = ?`, user)

	balance, err := scanBalanceSQL(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find balance for user %s: %w", user, err)
	}
	return balance, nil
}

// CompareAndSwap updates the pool only if it still equals expected.
// RETURNING makes the post-update snapshot part of the same statement.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, user string, credit CreditType, expected, next int64, set SetValues) (*Balance, error) {
	col := poolColumn(credit)

	var row *sql.Row
	if set.LastRefill != nil {
		row = s.db.QueryRowContext(ctx,
			`UPDATE balances SET `+col+` = ?, last_refill = ?
			 WHERE user_id = ? AND `+col+` = ?
			 RETURNING `+balanceColumns,
			next, set.LastRefill.UTC(), user, expected)
	} else {
		row = s.db.QueryRowContext(ctx,
			`UPDATE balances SET `+col+` = ?
			 WHERE user_id = ? AND `+col+` = ?
			 RETURNING `+balanceColumns,
			next, user, expected)
	}

	balance, err := scanBalanceSQL(row)
	if errors.Is(err, sql.ErrNoRows) {
		// The pool changed between the caller's read and this write.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update balance for user %s: %w", user, err)
	}
	return balance, nil
}

// Insert creates the balance row for user. A concurrent creation
// surfaces as a UNIQUE constraint failure on the primary key.
func (s *SQLiteStore) Insert(ctx context.Context, user string, credit CreditType, value int64, set SetValues) (*Balance, error) {
	col := poolColumn(credit)

	var lastRefill *time.Time
	if set.LastRefill != nil {
		t := set.LastRefill.UTC()
		lastRefill = &t
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO balances (user_id, `+col+`, last_refill) VALUES (?, ?, ?)
		 RETURNING `+balanceColumns,
		user, value, lastRefill)

	balance, err := scanBalanceSQL(row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("failed to insert balance for user %s: %w", user, err)
	}
	return balance, nil
}

// Close is a no-op for SQLite as the connection is managed by the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}

// scanBalanceSQL scans one balances row in balanceColumns order using
// database/sql types.
func scanBalanceSQL(row *sql.Row) (*Balance, error) {
	var b Balance
	var lastRefill sql.NullTime
	err := row.Scan(
		&b.User,
		&b.TokenCredits,
		&b.AvailableCredits.Text,
		&b.AvailableCredits.Image,
		&b.AvailableCredits.Presentation,
		&b.AvailableCredits.Video,
		&b.AutoRefillEnabled,
		&b.RefillIntervalValue,
		&b.RefillIntervalUnit,
		&b.RefillAmount,
		&lastRefill,
	)
	if err != nil {
		return nil, err
	}
	if lastRefill.Valid {
		t := lastRefill.Time
		b.LastRefill = &t
	}
	return &b, nil
}
