// Package ledger owns the per-user credit balance and applies signed
// deltas to it under concurrent access. The storage engine is only
// required to support single-document atomic writes, so mutual
// exclusion is achieved with a compare-and-swap retry loop over
// conditional updates rather than multi-document transactions.
package ledger

import (
	"context"
	"errors"
	"time"
)

// CreditType names one of the independently tracked credit pools.
// The zero value routes to the legacy single-pool balance.
type CreditType string

const (
	// CreditText is the pool debited by token usage and credited by refills.
	CreditText CreditType = "text"
	// CreditImage is the pool debited by image generation.
	CreditImage CreditType = "image"
	// CreditPresentation is the pool debited by presentation generation.
	CreditPresentation CreditType = "presentation"
	// CreditVideo is the pool debited by video generation.
	CreditVideo CreditType = "video"
)

// Valid reports whether c names a known pool. The empty value is valid
// and selects the legacy tokenCredits balance.
func (c CreditType) Valid() bool {
	switch c {
	case "", CreditText, CreditImage, CreditPresentation, CreditVideo:
		return true
	}
	return false
}

// AvailableCredits holds the four independent credit pools.
// Every pool value is always >= 0.
type AvailableCredits struct {
	Text         int64 `bson:"text" json:"text"`
	Image        int64 `bson:"image" json:"image"`
	Presentation int64 `bson:"presentation" json:"presentation"`
	Video        int64 `bson:"video" json:"video"`
}

// Balance is the per-user balance document. It is created lazily on the
// first debit or credit and mutated exclusively through Updater's
// compare-and-swap loop.
type Balance struct {
	User string `bson:"user" json:"user"`

	// TokenCredits is the legacy single-pool balance, used when no
	// credit type is requested.
	TokenCredits int64 `bson:"tokenCredits" json:"tokenCredits"`

	AvailableCredits AvailableCredits `bson:"availableCredits" json:"availableCredits"`

	// Refill policy, mutated only by the refill workflow.
	AutoRefillEnabled   bool       `bson:"autoRefillEnabled" json:"autoRefillEnabled"`
	RefillIntervalValue int        `bson:"refillIntervalValue,omitempty" json:"refillIntervalValue,omitempty"`
	RefillIntervalUnit  string     `bson:"refillIntervalUnit,omitempty" json:"refillIntervalUnit,omitempty"`
	RefillAmount        int64      `bson:"refillAmount,omitempty" json:"refillAmount,omitempty"`
	LastRefill          *time.Time `bson:"lastRefill,omitempty" json:"lastRefill,omitempty"`
}

// Pool returns the current value of the named pool, or the legacy
// balance for the zero credit type. A nil balance reads as zero.
func (b *Balance) Pool(credit CreditType) int64 {
	if b == nil {
		return 0
	}
	switch credit {
	case CreditText:
		return b.AvailableCredits.Text
	case CreditImage:
		return b.AvailableCredits.Image
	case CreditPresentation:
		return b.AvailableCredits.Presentation
	case CreditVideo:
		return b.AvailableCredits.Video
	default:
		return b.TokenCredits
	}
}

// SetValues carries extra fields written alongside a pool update.
type SetValues struct {
	// LastRefill, when non-nil, records the time of the refill that
	// produced this update.
	LastRefill *time.Time
}

// ErrDuplicateKey is returned by Store.Insert when another writer
// created the balance document concurrently. The updater treats it as
// a conflict and retries.
var ErrDuplicateKey = errors.New("balance document already exists")

// Store is the minimal document-store contract the updater needs:
// a point read, a conditional update, and an insert that signals
// concurrent creation with ErrDuplicateKey.
// Implementations must be safe for concurrent use.
type Store interface {
	// Find returns the balance document for user, or nil, nil when
	// no document exists.
	Find(ctx context.Context, user string) (*Balance, error)

	// CompareAndSwap sets the pool for user to next, but only if the
	// pool still equals expected. Returns the updated document, or
	// nil, nil when the predicate matched nothing (a lost-update
	// conflict).
	CompareAndSwap(ctx context.Context, user string, credit CreditType, expected, next int64, set SetValues) (*Balance, error)

	// Insert creates the balance document for user with the pool set
	// to value. Returns ErrDuplicateKey when a concurrent writer got
	// there first.
	Insert(ctx context.Context, user string, credit CreditType, value int64, set SetValues) (*Balance, error)

	// Close releases resources held by the store.
	Close() error
}
