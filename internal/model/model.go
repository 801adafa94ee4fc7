// Package model defines the core domain types shared across the resale engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing statuses. Both sold and cancelled are terminal; a listing never
// re-enters active.
const (
	ListingActive    = "active"
	ListingSold      = "sold"
	ListingCancelled = "cancelled"
)

// Trade record types.
const (
	TradePurchase = "purchase"
	TradeCancel   = "cancel"
)

// RoundActive is the only lottery round status in which listings may be
// created and traded.
const RoundActive = "active"

// Participation is a shareholder's claim on one lottery round.
// ReservedShares is the portion currently committed to active listings;
// 0 <= ReservedShares <= SharesCount holds at all times. Rows are never
// deleted, only mutated.
type Participation struct {
	ID             string          `json:"id" db:"id"`
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	LotteryRoundID string          `json:"lottery_round_id" db:"lottery_round_id"`
	SharesCount    int64           `json:"shares_count" db:"shares_count"`
	ReservedShares int64           `json:"reserved_shares" db:"reserved_shares"`
	Resaleable     bool            `json:"resaleable" db:"resaleable"`
	AmountPaid     decimal.Decimal `json:"amount_paid" db:"amount_paid"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// AvailableShares returns the portion not committed to any active listing.
func (p *Participation) AvailableShares() int64 {
	return p.SharesCount - p.ReservedShares
}

// Listing is an open offer to sell some of a participation's shares at a
// fixed unit price. SharesTotal is fixed at creation; SharesAvailable only
// ever decreases after creation.
type Listing struct {
	ID                    string          `json:"id" db:"id"`
	SellerID              string          `json:"seller_id" db:"seller_id"`
	SourceParticipationID string          `json:"source_participation_id" db:"source_participation_id"`
	LotteryRoundID        string          `json:"lottery_round_id" db:"lottery_round_id"`
	SharesTotal           int64           `json:"shares_total" db:"shares_total"`
	SharesAvailable       int64           `json:"shares_available" db:"shares_available"`
	PricePerShare         decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	Status                string          `json:"status" db:"status"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// TradeRecord is the immutable fact of one completed purchase or
// cancellation. Once created, these are never modified or deleted — the
// audit trail for reconciling balance deltas against trades.
//
// IdempotencyKey is the caller-generated replay key, unique when present.
// BuyerParticipationID is set on purchases only, so a replayed purchase can
// return the participation it already created.
type TradeRecord struct {
	ID                   string          `json:"id" db:"id"`
	ListingID            string          `json:"listing_id" db:"listing_id"`
	Type                 string          `json:"type" db:"type"`
	BuyerID              string          `json:"buyer_id,omitempty" db:"buyer_id"`
	SellerID             string          `json:"seller_id" db:"seller_id"`
	SharesCount          int64           `json:"shares_count" db:"shares_count"`
	PricePerShare        decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	GrossAmount          decimal.Decimal `json:"gross_amount" db:"gross_amount"`
	FeeAmount            decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	NetSellerAmount      decimal.Decimal `json:"net_seller_amount" db:"net_seller_amount"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	BuyerParticipationID string          `json:"buyer_participation_id,omitempty" db:"buyer_participation_id"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// LotteryRound is the engine's read-only view of a draw.
type LotteryRound struct {
	ID     string `json:"id" db:"id"`
	Status string `json:"status" db:"status"`
}

// BalanceAccount is a user's spendable balance. The engine only applies
// signed deltas under a row lock held for the whole operation.
type BalanceAccount struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
}
