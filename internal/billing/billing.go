// Package billing converts raw usage events into credit deltas and
// applies them to the ledger. Every event is valued against the rate
// table, appended to the transaction log, and then routed into one of
// the named credit pools. The log write happens before the balance
// mutation: if the ledger update fails after retries, the transaction
// record still exists, and reconciliation is left to external tooling.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"creditledger/internal/ledger"
	"creditledger/internal/rates"
	"creditledger/internal/txlog"
)

// Token types of usage transactions.
const (
	TokenTypePrompt     = "prompt"
	TokenTypeCompletion = "completion"
	// TokenTypeCredits marks refill transactions.
	TokenTypeCredits = "credits"
)

// Context values of transactions.
const (
	// ContextIncomplete marks a generation cancelled mid-stream.
	ContextIncomplete = "incomplete"
	// ContextAutoRefill marks an automatic refill.
	ContextAutoRefill = "autorefill"
)

// ErrInvalidArgument indicates a malformed request: an unknown token
// type or credit type. Check with errors.Is.
var ErrInvalidArgument = errors.New("invalid argument")

// Ledger applies a signed delta to one credit pool of a user's balance.
// *ledger.Updater is the production implementation.
type Ledger interface {
	ApplyDelta(ctx context.Context, user string, delta int64, credit ledger.CreditType, set ledger.SetValues) (*ledger.Balance, error)
}

// Config holds billing configuration.
type Config struct {
	// TrackBalance controls whether usage transactions adjust the
	// balance. When false, usage is still logged but the ledger is
	// left untouched.
	TrackBalance bool
}

// Service exposes the public billing operations: record usage, record
// refills, and query the transaction log.
type Service struct {
	ledger       Ledger
	txns         txlog.Store
	rates        *rates.Resolver
	trackBalance bool
}

// New creates a billing service.
func New(l Ledger, txns txlog.Store, resolver *rates.Resolver, cfg Config) *Service {
	return &Service{
		ledger:       l,
		txns:         txns,
		rates:        resolver,
		trackBalance: cfg.TrackBalance,
	}
}

// UsageTxn describes a single-kind usage event.
type UsageTxn struct {
	User  string
	Model string

	// TokenType is "prompt" or "completion".
	TokenType string

	// Context carries event context; ContextIncomplete triggers the
	// cancellation surcharge on completions.
	Context string

	// RawAmount is the signed unit count, negative for consumption.
	// A nil amount short-circuits the whole operation: nothing is
	// recorded and the balance is untouched.
	RawAmount *int64

	// CreditType routes the value into a named pool; defaults to text.
	CreditType ledger.CreditType

	// RateOverride takes precedence over the global rate table.
	RateOverride *rates.Table
}

// StructuredTxn describes a mixed prompt event with cache-token
// breakdown, or a structured completion.
type StructuredTxn struct {
	User  string
	Model string

	// TokenType is "prompt" or "completion".
	TokenType string

	Context string

	// InputTokens, WriteTokens and ReadTokens are the prompt-side
	// sub-amounts; sign is ignored, consumption is implied.
	InputTokens int64
	WriteTokens int64
	ReadTokens  int64

	// RawAmount is the completion token count; used only when
	// TokenType is "completion". Nil short-circuits the operation
	// for completions.
	RawAmount *int64

	CreditType   ledger.CreditType
	RateOverride *rates.Table
}

// RefillTxn describes a credit refill.
type RefillTxn struct {
	User string

	// Amount is the number of credits to add to the text pool.
	// Nil short-circuits the operation.
	Amount *int64
}

// Result reports the outcome of a recorded transaction.
type Result struct {
	User       string            `json:"user"`
	Rate       float64           `json:"rate"`
	Balance    int64             `json:"balance"`
	CreditType ledger.CreditType `json:"creditType"`
	TokenType  string            `json:"tokenType"`
	TokenValue int64             `json:"tokenValue"`
}

// RecordUsage values a single-kind usage event, appends it to the
// transaction log, and applies the delta to the user's balance.
// Returns nil, nil when the raw amount is missing (malformed-input
// no-op) or when balance tracking is disabled.
func (s *Service) RecordUsage(ctx context.Context, txn UsageTxn) (*Result, error) {
	if txn.RawAmount == nil {
		return nil, nil
	}
	if err := validateUsage(txn.TokenType, txn.CreditType); err != nil {
		return nil, err
	}

	v, err := s.value(&txn)
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, commitParams{
		user:       txn.User,
		model:      txn.Model,
		tokenType:  txn.TokenType,
		txnContext: txn.Context,
		creditType: txn.CreditType,
		valuation:  v,
	})
}

// RecordStructuredUsage values a mixed prompt event (input +
// cache-write + cache-read tokens), appends it to the transaction log,
// and applies the delta to the user's balance.
func (s *Service) RecordStructuredUsage(ctx context.Context, txn StructuredTxn) (*Result, error) {
	if txn.TokenType == TokenTypeCompletion && txn.RawAmount == nil {
		return nil, nil
	}
	if err := validateUsage(txn.TokenType, txn.CreditType); err != nil {
		return nil, err
	}

	v, err := s.valueStructured(&txn)
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, commitParams{
		user:       txn.User,
		model:      txn.Model,
		tokenType:  txn.TokenType,
		txnContext: txn.Context,
		creditType: txn.CreditType,
		valuation:  v,
	})
}

// RecordRefill credits the user's text pool and stamps lastRefill on
// the balance document in the same conditional write. Refills bypass
// the TrackBalance toggle: credits granted must always land.
func (s *Service) RecordRefill(ctx context.Context, txn RefillTxn) (*Result, error) {
	if txn.Amount == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	record := &txlog.Transaction{
		ID:         uuid.NewString(),
		User:       txn.User,
		TokenType:  TokenTypeCredits,
		Context:    ContextAutoRefill,
		CreditType: string(ledger.CreditText),
		RawAmount:  *txn.Amount,
		Rate:       1,
		TokenValue: *txn.Amount,
		CreatedAt:  now,
	}
	if err := s.txns.Record(ctx, record); err != nil {
		return nil, fmt.Errorf("record refill transaction: %w", err)
	}

	balance, err := s.ledger.ApplyDelta(ctx, txn.User, *txn.Amount, ledger.CreditText, ledger.SetValues{LastRefill: &now})
	if err != nil {
		return nil, err
	}

	result := &Result{
		User:       txn.User,
		Rate:       1,
		Balance:    balance.Pool(ledger.CreditText),
		CreditType: ledger.CreditText,
		TokenType:  TokenTypeCredits,
		TokenValue: *txn.Amount,
	}
	slog.Debug("refill performed", "user", result.User, "amount", *txn.Amount, "balance", result.Balance)
	return result, nil
}

// Transactions returns log entries matching the filter.
func (s *Service) Transactions(ctx context.Context, filter txlog.Filter) ([]txlog.Transaction, error) {
	return s.txns.Query(ctx, filter)
}

type commitParams struct {
	user       string
	model      string
	tokenType  string
	txnContext string
	creditType ledger.CreditType
	valuation  valuation
}

// commit appends the valued transaction and, when balance tracking is
// enabled, applies the delta to the routed pool. The log write comes
// first: a failed ledger update leaves the record in place.
func (s *Service) commit(ctx context.Context, p commitParams) (*Result, error) {
	credit := p.creditType
	if credit == "" {
		credit = ledger.CreditText
	}

	record := &txlog.Transaction{
		ID:         uuid.NewString(),
		User:       p.user,
		TokenType:  p.tokenType,
		Context:    p.txnContext,
		Model:      p.model,
		CreditType: string(credit),
		RawAmount:  p.valuation.RawAmount,
		Rate:       p.valuation.Rate,
		RateDetail: p.valuation.RateDetail,
		TokenValue: p.valuation.TokenValue,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.txns.Record(ctx, record); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	if !s.trackBalance {
		return nil, nil
	}

	balance, err := s.ledger.ApplyDelta(ctx, p.user, p.valuation.TokenValue, credit, ledger.SetValues{})
	if err != nil {
		// The transaction record already exists; the log is a
		// superset of what landed in the balance.
		return nil, err
	}

	return &Result{
		User:       p.user,
		Rate:       p.valuation.Rate,
		Balance:    balance.Pool(credit),
		CreditType: credit,
		TokenType:  p.tokenType,
		TokenValue: p.valuation.TokenValue,
	}, nil
}

func validateUsage(tokenType string, credit ledger.CreditType) error {
	if tokenType != TokenTypePrompt && tokenType != TokenTypeCompletion {
		return fmt.Errorf("%w: unknown token type %q", ErrInvalidArgument, tokenType)
	}
	if !credit.Valid() {
		return fmt.Errorf("%w: unknown credit type %q", ErrInvalidArgument, credit)
	}
	return nil
}
