// Package pricing computes the monetary amounts of a resale trade.
//
// Every purchase splits into three exact figures:
//   - gross:     shares * price per share, what the buyer pays
//   - fee:       gross * FeeRate, retained by the platform
//   - netSeller: gross - fee, credited to the seller
//
// All monetary values use shopspring/decimal — never float64 for money.
// gross == fee + netSeller holds exactly, so ledger entries always
// reconcile against balance deltas.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositiveShares is returned when the share count is zero or negative.
	ErrNonPositiveShares = errors.New("pricing: share count must be positive")

	// ErrNonPositivePrice is returned when the unit price is zero or negative.
	ErrNonPositivePrice = errors.New("pricing: price per share must be positive")
)

// FeeRate is the platform-retained fraction of gross trade value.
// Fixed platform constant; the fee is never credited to any user account,
// only recorded in the trade ledger.
var FeeRate = decimal.NewFromFloat(0.02)

// MoneyScale is the number of decimal places for fee rounding.
var MoneyScale int32 = 2

// Quote holds the amounts of one prospective trade.
type Quote struct {
	Gross     decimal.Decimal
	Fee       decimal.Decimal
	NetSeller decimal.Decimal
}

// NewQuote computes the amounts for buying shares at pricePerShare each.
// The fee is rounded to MoneyScale places; netSeller absorbs the rounding
// remainder so that Gross = Fee + NetSeller exactly.
func NewQuote(shares int64, pricePerShare decimal.Decimal) (Quote, error) {
	if shares <= 0 {
		return Quote{}, ErrNonPositiveShares
	}
	if pricePerShare.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrNonPositivePrice
	}

	gross := pricePerShare.Mul(decimal.NewFromInt(shares))
	fee := gross.Mul(FeeRate).Round(MoneyScale)
	return Quote{
		Gross:     gross,
		Fee:       fee,
		NetSeller: gross.Sub(fee),
	}, nil
}
