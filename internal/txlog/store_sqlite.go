package txlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite transaction store.
// It creates the transactions table and indexes if they don't exist.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_type TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			credit_type TEXT NOT NULL DEFAULT '',
			raw_amount INTEGER NOT NULL DEFAULT 0,
			rate REAL NOT NULL DEFAULT 0,
			rate_input REAL,
			rate_write REAL,
			rate_read REAL,
			token_value INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
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
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Record appends one transaction.
func (s *SQLiteStore) Record(ctx context.Context, txn *Transaction) error {
	var rateInput, rateWrite, rateRead *float64
	if txn.RateDetail != nil {
		rateInput = &txn.RateDetail.Input
		rateWrite = &txn.RateDetail.Write
		rateRead = &txn.RateDetail.Read
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, user_id, token_type, context, model, credit_type,
			 raw_amount, rate, rate_input, rate_write, rate_read, token_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		txn.ID, txn.User, txn.TokenType, txn.Context, txn.Model, txn.CreditType,
		txn.RawAmount, txn.Rate, rateInput, rateWrite, rateRead, txn.TokenValue,
		txn.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	transactionsRecorded.WithLabelValues(txn.TokenType).Inc()
	return nil
}

// Query returns transactions matching the filter.
func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]Transaction, error) {
	var (
		conditions []string
		args       []any
	)
	addCondition := func(column, value string) {
		if value == "" {
			return
		}
		conditions = append(conditions, column+" = ?")
		args = append(args, value)
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var results []Transaction
	for rows.Next() {
		var txn Transaction
		var rateInput, rateWrite, rateRead sql.NullFloat64
		var createdAt string
		err := rows.Scan(
			&txn.ID, &txn.User, &txn.TokenType, &txn.Context, &txn.Model, &txn.CreditType,
			&txn.RawAmount, &txn.Rate, &rateInput, &rateWrite, &rateRead, &txn.TokenValue, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if rateInput.Valid && rateWrite.Valid && rateRead.Valid {
			txn.RateDetail = &RateDetail{
				Input: rateInput.Float64,
				Write: rateWrite.Float64,
				Read:  rateRead.Float64,
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			txn.CreatedAt = t
		}
		results = append(results, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return results, nil
}

// Close is a no-op for SQLite as the connection is managed by the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}
