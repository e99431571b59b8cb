package billing

import (
	"math"

	"creditledger/internal/rates"
	"creditledger/internal/txlog"
)

// CancelRate is the multiplicative surcharge applied to completion
// usage when a generation was cancelled mid-stream. The user pays
// slightly more than the raw token count implies, reflecting sunk
// compute cost.
const CancelRate = 1.15

// valuation is the result of converting a raw usage event into a
// signed credit delta.
type valuation struct {
	// Rate is the effective multiplier applied (always >= 0).
	Rate float64
	// TokenValue is the signed credit delta to apply to the ledger.
	TokenValue int64
	// RawAmount is the normalized signed unit count.
	RawAmount int64
	// RateDetail is set in structured mode only.
	RateDetail *txlog.RateDetail
}

// cancelApplies reports whether the cancellation surcharge applies:
// only cancelled (incomplete) completions are penalized.
func cancelApplies(tokenType, context string) bool {
	return tokenType == TokenTypeCompletion && context == ContextIncomplete
}

// roundDelta lands a float credit value as an integer delta, rounding
// half away from zero.
func roundDelta(v float64) int64 {
	return int64(math.Round(v))
}

// value prices a single-kind usage event: tokenValue = rawAmount x
// multiplier, with the cancellation surcharge rounded up so an aborted
// generation never costs less than its token count implies.
func (s *Service) value(txn *UsageTxn) (valuation, error) {
	multiplier, err := s.rates.Multiplier(rates.TokenKind(txn.TokenType), txn.Model, txn.RateOverride)
	if err != nil {
		return valuation{}, err
	}
	multiplier = math.Abs(multiplier)

	v := valuation{
		Rate:      multiplier,
		RawAmount: *txn.RawAmount,
	}

	value := float64(*txn.RawAmount) * multiplier
	if cancelApplies(txn.TokenType, txn.Context) {
		v.TokenValue = int64(math.Ceil(value * CancelRate))
		v.Rate *= CancelRate
	} else {
		v.TokenValue = roundDelta(value)
	}
	return v, nil
}

// valueStructured prices a mixed prompt event (input + cache-write +
// cache-read tokens) or a structured completion. The blended rate is
// the usage-weighted average of the subtype multipliers; the token
// value is the negative sum of each sub-amount times its own
// multiplier, consumption always being a negative delta.
func (s *Service) valueStructured(txn *StructuredTxn) (valuation, error) {
	var v valuation

	switch txn.TokenType {
	case TokenTypePrompt:
		input, err := s.rates.Multiplier(rates.TokenKindPrompt, txn.Model, txn.RateOverride)
		if err != nil {
			return valuation{}, err
		}
		write, err := s.rates.CacheMultiplier(rates.CacheKindWrite, txn.Model, txn.RateOverride)
		if err != nil {
			return valuation{}, err
		}
		read, err := s.rates.CacheMultiplier(rates.CacheKindRead, txn.Model, txn.RateOverride)
		if err != nil {
			return valuation{}, err
		}

		v.RateDetail = &txlog.RateDetail{Input: input, Write: write, Read: read}

		inputTokens := math.Abs(float64(txn.InputTokens))
		writeTokens := math.Abs(float64(txn.WriteTokens))
		readTokens := math.Abs(float64(txn.ReadTokens))

		total := inputTokens + writeTokens + readTokens
		if total > 0 {
			v.Rate = (math.Abs(input*inputTokens) + math.Abs(write*writeTokens) + math.Abs(read*readTokens)) / total
		} else {
			v.Rate = math.Abs(input)
		}

		v.TokenValue = roundDelta(-(inputTokens*input + writeTokens*write + readTokens*read))
		v.RawAmount = -int64(total)

	case TokenTypeCompletion:
		multiplier, err := s.rates.Multiplier(rates.TokenKindCompletion, txn.Model, txn.RateOverride)
		if err != nil {
			return valuation{}, err
		}
		raw := math.Abs(float64(*txn.RawAmount))
		v.Rate = math.Abs(multiplier)
		v.TokenValue = roundDelta(-raw * multiplier)
		v.RawAmount = -int64(raw)
	}

	if cancelApplies(txn.TokenType, txn.Context) {
		v.TokenValue = int64(math.Ceil(float64(v.TokenValue) * CancelRate))
		v.Rate *= CancelRate
		if v.RateDetail != nil {
			v.RateDetail.Input *= CancelRate
			v.RateDetail.Write *= CancelRate
			v.RateDetail.Read *= CancelRate
		}
	}

	return v, nil
}
