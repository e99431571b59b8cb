// Package server provides the HTTP surface for the credit ledger:
// balance reads, transaction queries, and the usage/refill operations.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"creditledger/internal/billing"
	"creditledger/internal/ledger"
	"creditledger/internal/rates"
	"creditledger/internal/txlog"
)

// BillingService is the billing surface the handlers need.
// *billing.Service is the production implementation.
type BillingService interface {
	RecordUsage(ctx context.Context, txn billing.UsageTxn) (*billing.Result, error)
	RecordStructuredUsage(ctx context.Context, txn billing.StructuredTxn) (*billing.Result, error)
	RecordRefill(ctx context.Context, txn billing.RefillTxn) (*billing.Result, error)
	Transactions(ctx context.Context, filter txlog.Filter) ([]txlog.Transaction, error)
}

// BalanceReader reads balance documents for the balance endpoint.
type BalanceReader interface {
	Find(ctx context.Context, user string) (*ledger.Balance, error)
}

// Handler holds the HTTP handlers
type Handler struct {
	billing  BillingService
	balances BalanceReader
}

// NewHandler creates a new handler
func NewHandler(billing BillingService, balances BalanceReader) *Handler {
	return &Handler{
		billing:  billing,
		balances: balances,
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// availableCreditsResponse exposes non-text pools in user-facing units:
// the raw internal counters divided by the fixed per-service costs.
type availableCreditsResponse struct {
	Text         int64   `json:"text"`
	Image        float64 `json:"image"`
	Presentation float64 `json:"presentation"`
	Video        float64 `json:"video"`
}

type balanceResponse struct {
	TokenCredits     int64                    `json:"tokenCredits"`
	AvailableCredits availableCreditsResponse `json:"availableCredits"`

	AutoRefillEnabled bool `json:"autoRefillEnabled"`

	// Refill fields are omitted when auto-refill is disabled.
	RefillIntervalValue *int       `json:"refillIntervalValue,omitempty"`
	RefillIntervalUnit  string     `json:"refillIntervalUnit,omitempty"`
	RefillAmount        *int64     `json:"refillAmount,omitempty"`
	LastRefill          *time.Time `json:"lastRefill,omitempty"`
}

// GetBalance handles GET /api/balance/:user
func (h *Handler) GetBalance(c echo.Context) error {
	user := c.Param("user")

	balance, err := h.balances.Find(c.Request().Context(), user)
	if err != nil {
		return handleError(c, err)
	}
	if balance == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "balance not found"})
	}

	resp := balanceResponse{
		TokenCredits: balance.TokenCredits,
		AvailableCredits: availableCreditsResponse{
			Text:         balance.AvailableCredits.Text,
			Image:        float64(balance.AvailableCredits.Image) / rates.ImageCost,
			Presentation: float64(balance.AvailableCredits.Presentation) / rates.PresentationCost,
			Video:        float64(balance.AvailableCredits.Video) / (rates.DefaultVideoDurationSec * rates.VideoCostPerSecond),
		},
		AutoRefillEnabled: balance.AutoRefillEnabled,
	}
	if balance.AutoRefillEnabled {
		resp.RefillIntervalValue = &balance.RefillIntervalValue
		resp.RefillIntervalUnit = balance.RefillIntervalUnit
		resp.RefillAmount = &balance.RefillAmount
		resp.LastRefill = balance.LastRefill
	}

	return c.JSON(http.StatusOK, resp)
}

// ListTransactions handles GET /api/transactions
func (h *Handler) ListTransactions(c echo.Context) error {
	filter := txlog.Filter{
		User:      c.QueryParam("user"),
		TokenType: c.QueryParam("tokenType"),
		Context:   c.QueryParam("context"),
		Model:     c.QueryParam("model"),
	}

	txns, err := h.billing.Transactions(c.Request().Context(), filter)
	if err != nil {
		return handleError(c, err)
	}
	if txns == nil {
		txns = []txlog.Transaction{}
	}
	return c.JSON(http.StatusOK, txns)
}

type usageRequest struct {
	User       string `json:"user"`
	Model      string `json:"model"`
	TokenType  string `json:"tokenType"`
	Context    string `json:"context"`
	RawAmount  *int64 `json:"rawAmount"`
	CreditType string `json:"creditType"`
}

// RecordUsage handles POST /api/usage
func (h *Handler) RecordUsage(c echo.Context) error {
	var req usageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	result, err := h.billing.RecordUsage(c.Request().Context(), billing.UsageTxn{
		User:       req.User,
		Model:      req.Model,
		TokenType:  req.TokenType,
		Context:    req.Context,
		RawAmount:  req.RawAmount,
		CreditType: ledger.CreditType(req.CreditType),
	})
	if err != nil {
		return handleError(c, err)
	}
	if result == nil {
		// Malformed-input no-op or balance tracking disabled
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, result)
}

type structuredUsageRequest struct {
	User        string `json:"user"`
	Model       string `json:"model"`
	TokenType   string `json:"tokenType"`
	Context     string `json:"context"`
	InputTokens int64  `json:"inputTokens"`
	WriteTokens int64  `json:"writeTokens"`
	ReadTokens  int64  `json:"readTokens"`
	RawAmount   *int64 `json:"rawAmount"`
	CreditType  string `json:"creditType"`
}

// RecordStructuredUsage handles POST /api/usage/structured
func (h *Handler) RecordStructuredUsage(c echo.Context) error {
	var req structuredUsageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	result, err := h.billing.RecordStructuredUsage(c.Request().Context(), billing.StructuredTxn{
		User:        req.User,
		Model:       req.Model,
		TokenType:   req.TokenType,
		Context:     req.Context,
		InputTokens: req.InputTokens,
		WriteTokens: req.WriteTokens,
		ReadTokens:  req.ReadTokens,
		RawAmount:   req.RawAmount,
		CreditType:  ledger.CreditType(req.CreditType),
	})
	if err != nil {
		return handleError(c, err)
	}
	if result == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, result)
}

type refillRequest struct {
	User   string `json:"user"`
	Amount *int64 `json:"amount"`
}

// RecordRefill handles POST /api/refill
func (h *Handler) RecordRefill(c echo.Context) error {
	var req refillRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	result, err := h.billing.RecordRefill(c.Request().Context(), billing.RefillTxn{
		User:   req.User,
		Amount: req.Amount,
	})
	if err != nil {
		return handleError(c, err)
	}
	if result == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, result)
}

// handleError converts billing and ledger errors to HTTP responses
func handleError(c echo.Context, err error) error {
	var unknownModel *rates.UnknownModelError
	switch {
	case errors.Is(err, billing.ErrInvalidArgument):
		return c.JSON(http.StatusBadRequest, errorBody(err))
	case errors.As(err, &unknownModel):
		return c.JSON(http.StatusUnprocessableEntity, errorBody(err))
	case errors.Is(err, ledger.ErrConcurrencyExhausted):
		// The transaction is logged but not reflected in the balance.
		return c.JSON(http.StatusConflict, errorBody(err))
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "an unexpected error occurred"})
	}
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
