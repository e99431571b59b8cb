package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store for PostgreSQL. The document-store
// contract maps directly onto SQL: the conditional update is an UPDATE
// whose WHERE clause pins the pool column to its previously observed
// value, and insert races surface as unique violations on the primary
// key.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

const balanceColumns = `user_id, token_credits, credits_text, credits_image, credits_presentation, credits_video,
	auto_refill_enabled, refill_interval_value, refill_interval_unit, refill_amount, last_refill`

// NewPostgreSQLStore creates a PostgreSQL balance store and its table.
func NewPostgreSQLStore(pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(context.Background(), `
		CREATE TABLE IF NOT EXISTS balances (
			user_id TEXT PRIMARY KEY,
			token_credits BIGINT NOT NULL DEFAULT 0,
			credits_text BIGINT NOT NULL DEFAULT 0,
			credits_image BIGINT NOT NULL DEFAULT 0,
			credits_presentation BIGINT NOT NULL DEFAULT 0,
			credits_video BIGINT NOT NULL DEFAULT 0,
			auto_refill_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			refill_interval_value INTEGER NOT NULL DEFAULT 0,
			refill_interval_unit TEXT NOT NULL DEFAULT '',
			refill_amount BIGINT NOT NULL DEFAULT 0,
			last_refill TIMESTAMPTZ
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create balances table: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

// poolColumn returns the column holding the given pool. The credit type
// is validated by the updater, so the switch is exhaustive.
func poolColumn(credit CreditType) string {
	switch credit {
	case CreditText:
		return "credits_text"
	case CreditImage:
		return "credits_image"
	case CreditPresentation:
		return "credits_presentation"
	case CreditVideo:
		return "credits_video"
	default:
		return "token_credits"
	}
}

// Find returns the balance row for user, or nil, nil when absent.
func (s *PostgreSQLStore) Find(ctx context.Context, user string) (*Balance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1`, user)

	balance, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find balance for user %s: %w", user, err)
	}
	return balance, nil
}

// CompareAndSwap updates the pool only if it still equals expected.
func (s *PostgreSQLStore) CompareAndSwap(ctx context.Context, user string, credit CreditType, expected, next int64, set SetValues) (*Balance, error) {
	col := poolColumn(credit)
	row := s.pool.QueryRow(ctx,
		`UPDATE balances
		 SET `+col+` = $1, last_refill = COALESCE($2, last_refill)
		 WHERE user_id = $3 AND `+col+` = $4
		 RETURNING `+balanceColumns,
		next, set.LastRefill, user, expected)

	balance, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// The pool changed between the caller's read and this write.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update balance for user %s: %w", user, err)
	}
	return balance, nil
}

// Insert creates the balance row for user. A concurrent creation
// surfaces as a unique violation on the primary key.
func (s *PostgreSQLStore) Insert(ctx context.Context, user string, credit CreditType, value int64, set SetValues) (*Balance, error) {
	col := poolColumn(credit)
	row := s.pool.QueryRow(ctx,
		`INSERT INTO balances (user_id, `+col+`, last_refill)
		 VALUES ($1, $2, $3)
		 RETURNING `+balanceColumns,
		user, value, set.LastRefill)

	balance, err := scanBalance(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("failed to insert balance for user %s: %w", user, err)
	}
	return balance, nil
}

// Close is a no-op for PostgreSQL as the pool is managed by the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}

// scanBalance scans one balances row in balanceColumns order.
func scanBalance(row pgx.Row) (*Balance, error) {
	var b Balance
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
		&b.LastRefill,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
