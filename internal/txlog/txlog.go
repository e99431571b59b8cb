// Package txlog provides the append-only record of valued usage and
// refill events. A transaction is written before the balance mutation
// is attempted; if the balance update later fails, the record still
// exists. The log is therefore a superset of what actually landed in
// the balance, and reconciliation is left to external tooling.
package txlog

import (
	"context"
	"time"
)

// RateDetail breaks the blended rate of a structured prompt transaction
// down into its per-subtype multipliers.
type RateDetail struct {
	Input float64 `bson:"input" json:"input"`
	Write float64 `bson:"write" json:"write"`
	Read  float64 `bson:"read" json:"read"`
}

// Transaction is one valued usage or refill event. Immutable once
// written; this subsystem has no update or delete path.
type Transaction struct {
	// ID is a unique identifier for this transaction (UUID).
	ID string `bson:"_id" json:"id"`

	// User identifies whose balance the event concerns.
	User string `bson:"user" json:"user"`

	// TokenType is "prompt" or "completion" for usage, free-form for
	// refills (e.g. "credits").
	TokenType string `bson:"tokenType" json:"tokenType"`

	// Context carries event context; "incomplete" marks a generation
	// that was cancelled mid-stream.
	Context string `bson:"context,omitempty" json:"context,omitempty"`

	Model string `bson:"model,omitempty" json:"model,omitempty"`

	// CreditType names the pool the value was routed to.
	CreditType string `bson:"creditType,omitempty" json:"creditType,omitempty"`

	// RawAmount is the signed unit count: negative for consumption,
	// positive for refills.
	RawAmount int64 `bson:"rawAmount" json:"rawAmount"`

	// Rate is the effective multiplier actually applied.
	Rate float64 `bson:"rate" json:"rate"`

	// RateDetail is the per-subtype breakdown for structured prompt
	// transactions.
	RateDetail *RateDetail `bson:"rateDetail,omitempty" json:"rateDetail,omitempty"`

	// TokenValue is the signed credit delta applied to the ledger.
	TokenValue int64 `bson:"tokenValue" json:"tokenValue"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// Filter selects transactions in Query. Zero-valued fields are ignored.
type Filter struct {
	User      string
	TokenType string
	Context   string
	Model     string
}

// Store defines the append-only transaction log contract.
// Implementations must be safe for concurrent use.
type Store interface {
	// Record appends one transaction.
	Record(ctx context.Context, txn *Transaction) error

	// Query returns transactions matching the filter. No pagination
	// is implied at this layer.
	Query(ctx context.Context, filter Filter) ([]Transaction, error)

	// Close releases resources held by the store.
	Close() error
}
