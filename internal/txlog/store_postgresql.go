package txlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates a PostgreSQL transaction store.
// It creates the transactions table and indexes if they don't exist.
func NewPostgreSQLStore(pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_type TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			credit_type TEXT NOT NULL DEFAULT '',
			raw_amount BIGINT NOT NULL DEFAULT 0,
			rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			rate_input DOUBLE PRECISION,
			rate_write DOUBLE PRECISION,
			rate_read DOUBLE PRECISION,
			token_value BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactions table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_token_type ON transactions(token_type)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_model ON transactions(model)",
		"CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgreSQLStore{pool: pool}, nil
}

// Record appends one transaction.
func (s *PostgreSQLStore) Record(ctx context.Context, txn *Transaction) error {
	var rateInput, rateWrite, rateRead *float64
	if txn.RateDetail != nil {
		rateInput = &txn.RateDetail.Input
		rateWrite = &txn.RateDetail.Write
		rateRead = &txn.RateDetail.Read
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions
			(id, user_id, token_type, context, model, credit_type,
			 raw_amount, rate, rate_input, rate_write, rate_read, token_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		txn.ID, txn.User, txn.TokenType, txn.Context, txn.Model, txn.CreditType,
		txn.RawAmount, txn.Rate, rateInput, rateWrite, rateRead, txn.TokenValue, txn.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	transactionsRecorded.WithLabelValues(txn.TokenType).Inc()
	return nil
}

// Query returns transactions matching the filter.
func (s *PostgreSQLStore) Query(ctx context.Context, filter Filter) ([]Transaction, error) {
	var (
		conditions []string
		args       []any
	)
	addCondition := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	addCondition("user_id", filter.User)
	addCondition("token_type", filter.TokenType)
	addCondition("context", filter.Context)
	addCondition("model", filter.Model)

	query := `SELECT id, user_id, token_type, context, model, credit_type,
		raw_amount, rate, rate_input, rate_write, rate_read, token_value, created_at
		FROM transactions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var results []Transaction
	for rows.Next() {
		var txn Transaction
		var rateInput, rateWrite, rateRead *float64
		err := rows.Scan(
			&txn.ID, &txn.User, &txn.TokenType, &txn.Context, &txn.Model, &txn.CreditType,
			&txn.RawAmount, &txn.Rate, &rateInput, &rateWrite, &rateRead, &txn.TokenValue, &txn.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if rateInput != nil && rateWrite != nil && rateRead != nil {
			txn.RateDetail = &RateDetail{Input: *rateInput, Write: *rateWrite, Read: *rateRead}
		}
		results = append(results, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return results, nil
}

// Close is a no-op for PostgreSQL as the pool is managed by the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}
