// Package engine implements the resale marketplace's trading operations:
// listing shares for resale, purchasing some or all of a listing, and
// cancelling an unsold remainder.
//
// Each operation runs as one atomic unit of work against the store. Row
// locks are acquired in a fixed order — listing, source participation,
// buyer balance, seller balance — so two trades referencing the same pair
// of accounts in opposite roles cannot deadlock. The engine itself keeps
// no state between calls and is safe to invoke concurrently from any
// number of processes.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharedraw/resale-engine/internal/metrics"
	"github.com/sharedraw/resale-engine/internal/model"
	"github.com/sharedraw/resale-engine/internal/pricing"
	"github.com/sharedraw/resale-engine/internal/store"
)

// Cancel result statuses. already_partially_sold is not an error: it tells
// the caller some shares were bought before the cancel took effect, which
// is expected under concurrency.
const (
	CancelFull    = "fully_cancelled"
	CancelPartial = "already_partially_sold"
)

// Engine executes trading operations against a transactional store.
// Pass nil for hub if WebSocket broadcasting is not needed.
type Engine struct {
	store store.Store
	hub   *WSHub
}

// New creates a trading engine.
func New(st store.Store, hub *WSHub) *Engine {
	return &Engine{store: st, hub: hub}
}

// Store exposes the engine's store for read paths.
func (e *Engine) Store() store.Store {
	return e.store
}

// --- CreateListing ---

// CreateListingInput carries the parameters of a seller's listing request.
type CreateListingInput struct {
	ParticipationID string
	SellerID        string
	SharesToSell    int64
	PricePerShare   decimal.Decimal
}

// CreateListingResult is the outcome of a successful CreateListing.
type CreateListingResult struct {
	Listing *model.Listing
}

// CreateListing opens a resale offer for part of a participation's shares.
// The participation's reserved_shares is incremented in the same unit of
// work that inserts the listing, so two concurrent calls against the same
// participation cannot jointly list more shares than owned: the loser of
// the row-lock race re-reads the winner's reservation and fails with
// INSUFFICIENT_SHARES. No money moves and no ledger entry is written.
func (e *Engine) CreateListing(ctx context.Context, in CreateListingInput) (CreateListingResult, error) {
	if in.SharesToSell <= 0 {
		return CreateListingResult{}, E(KindInvalidInput, "shares_to_sell must be positive")
	}
	if in.PricePerShare.LessThanOrEqual(decimal.Zero) {
		return CreateListingResult{}, E(KindInvalidInput, "price_per_share must be positive")
	}
	if in.ParticipationID == "" || in.SellerID == "" {
		return CreateListingResult{}, E(KindInvalidInput, "participation_id and seller_id are required")
	}

	var res CreateListingResult
	err := e.store.ExecTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetParticipationForUpdate(ctx, in.ParticipationID)
		if err != nil {
			if notFound(err) {
				return E(KindNotFound, "participation %s not found", in.ParticipationID)
			}
			return err
		}
		if p.OwnerID != in.SellerID {
			return E(KindNotOwner, "participation %s is not owned by %s", p.ID, in.SellerID)
		}
		if !p.Resaleable {
			return E(KindNotResaleable, "shares acquired via resale cannot be relisted")
		}

		tradable, err := tx.IsRoundTradable(ctx, p.LotteryRoundID)
		if err != nil && !errors.Is(err, store.ErrRoundNotFound) {
			return err
		}
		if !tradable {
			return E(KindLotteryNotActive, "lottery round %s is not open for trading", p.LotteryRoundID)
		}

		if in.SharesToSell > p.AvailableShares() {
			return E(KindInsufficientShares, "%d shares requested, %d available",
				in.SharesToSell, p.AvailableShares())
		}

		now := time.Now().UTC()
		listing := &model.Listing{
			ID:                    uuid.New().String(),
			SellerID:              in.SellerID,
			SourceParticipationID: p.ID,
			LotteryRoundID:        p.LotteryRoundID,
			SharesTotal:           in.SharesToSell,
			SharesAvailable:       in.SharesToSell,
			PricePerShare:         in.PricePerShare,
			Status:                model.ListingActive,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := tx.InsertListing(ctx, listing); err != nil {
			return err
		}
		if err := tx.AdjustReservedShares(ctx, p.ID, in.SharesToSell); err != nil {
			return err
		}

		res.Listing = listing
		return nil
	})
	if err != nil {
		return CreateListingResult{}, e.reject("create_listing", err)
	}

	metrics.ListingsCreated.Inc()
	slog.Info("listing created",
		"listing_id", res.Listing.ID,
		"seller", in.SellerID,
		"participation", in.ParticipationID,
		"shares", in.SharesToSell,
		"price", in.PricePerShare.String(),
	)
	e.broadcast(WSMessage{
		Type:            "listing_created",
		ListingID:       res.Listing.ID,
		LotteryRoundID:  res.Listing.LotteryRoundID,
		SharesAvailable: res.Listing.SharesAvailable,
		PricePerShare:   res.Listing.PricePerShare.String(),
	})
	return res, nil
}

// --- PurchaseShares ---

// PurchaseInput carries the parameters of a buyer's purchase request.
// IdempotencyKey is optional; when set, a retry of a committed purchase
// replays the recorded outcome instead of double-charging.
type PurchaseInput struct {
	ListingID      string
	BuyerID        string
	SharesToBuy    int64
	IdempotencyKey string
}

// PurchaseResult is the outcome of a successful (or replayed) purchase.
type PurchaseResult struct {
	TradeID            string
	NewParticipationID string
	RemainingShares    int64
	Gross              decimal.Decimal
	Fee                decimal.Decimal
	NetSeller          decimal.Decimal
	Replayed           bool
}

// PurchaseShares atomically buys sharesToBuy from an active listing:
// debits the buyer by gross, credits the seller by gross minus the
// platform fee, creates the buyer's (non-resaleable) participation,
// decrements the listing and the source participation's reservation, and
// appends one purchase record. Any failure aborts the whole unit — no
// partial debit, no orphan participation, no ledger entry.
func (e *Engine) PurchaseShares(ctx context.Context, in PurchaseInput) (PurchaseResult, error) {
	if in.SharesToBuy <= 0 {
		return PurchaseResult{}, E(KindInvalidInput, "shares_to_buy must be positive")
	}
	if in.ListingID == "" || in.BuyerID == "" {
		return PurchaseResult{}, E(KindInvalidInput, "listing_id and buyer_id are required")
	}

	var res PurchaseResult
	start := time.Now()
	err := e.store.ExecTx(ctx, func(tx store.Tx) error {
		l, err := tx.GetListingForUpdate(ctx, in.ListingID)
		if err != nil {
			if notFound(err) {
				return E(KindNotFound, "listing %s not found", in.ListingID)
			}
			return err
		}

		// Replay check runs under the listing lock so a concurrent
		// duplicate submit serializes here and sees the first commit.
		// Nothing has been mutated yet either way.
		if in.IdempotencyKey != "" {
			prior, err := tx.GetTradeByIdempotencyKey(ctx, in.IdempotencyKey)
			if err == nil {
				if prior.Type != model.TradePurchase || prior.ListingID != in.ListingID {
					return E(KindInvalidInput, "idempotency key was used for a different operation")
				}
				res = PurchaseResult{
					TradeID:            prior.ID,
					NewParticipationID: prior.BuyerParticipationID,
					RemainingShares:    l.SharesAvailable,
					Gross:              prior.GrossAmount,
					Fee:                prior.FeeAmount,
					NetSeller:          prior.NetSellerAmount,
					Replayed:           true,
				}
				return nil
			}
			if !errors.Is(err, store.ErrTradeNotFound) {
				return err
			}
		}

		if l.Status != model.ListingActive {
			return E(KindNotActive, "listing %s is %s", l.ID, l.Status)
		}
		if in.BuyerID == l.SellerID {
			return E(KindSelfTrade, "buyer and seller are the same account")
		}
		if in.SharesToBuy > l.SharesAvailable {
			return E(KindInsufficientShares, "%d shares requested, %d available",
				in.SharesToBuy, l.SharesAvailable)
		}

		quote, err := pricing.NewQuote(in.SharesToBuy, l.PricePerShare)
		if err != nil {
			return E(KindInvalidInput, "%v", err)
		}

		// Participation lock rides along with the listing it gates.
		src, err := tx.GetParticipationForUpdate(ctx, l.SourceParticipationID)
		if err != nil {
			return err
		}

		// A buyer with no balance account is a caller mistake, not a
		// store failure. A missing seller account still surfaces as
		// INTERNAL: a listing whose seller cannot be credited is a data
		// inconsistency.
		buyerBalance, err := tx.GetBalanceForUpdate(ctx, in.BuyerID)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return E(KindNotFound, "buyer account %s not found", in.BuyerID)
			}
			return err
		}
		if buyerBalance.LessThan(quote.Gross) {
			return E(KindInsufficientBalance, "balance %s is below gross %s",
				buyerBalance.String(), quote.Gross.String())
		}
		if _, err := tx.GetBalanceForUpdate(ctx, l.SellerID); err != nil {
			return err
		}

		if err := tx.ApplyBalanceDelta(ctx, in.BuyerID, quote.Gross.Neg()); err != nil {
			return err
		}
		// The fee stays with the platform: it is recorded in the trade
		// ledger but never credited to a user account.
		if err := tx.ApplyBalanceDelta(ctx, l.SellerID, quote.NetSeller); err != nil {
			return err
		}

		now := time.Now().UTC()
		bought := &model.Participation{
			ID:             uuid.New().String(),
			OwnerID:        in.BuyerID,
			LotteryRoundID: l.LotteryRoundID,
			SharesCount:    in.SharesToBuy,
			ReservedShares: 0,
			Resaleable:     false,
			AmountPaid:     quote.Gross,
			CreatedAt:      now,
		}
		if err := tx.InsertParticipation(ctx, bought); err != nil {
			return err
		}

		remaining := l.SharesAvailable - in.SharesToBuy
		status := model.ListingActive
		if remaining == 0 {
			status = model.ListingSold
		}
		if err := tx.UpdateListing(ctx, l.ID, remaining, status); err != nil {
			return err
		}

		// Sold shares leave the tradable pool for good: no longer
		// reserved, not restorable.
		if err := tx.AdjustReservedShares(ctx, src.ID, -in.SharesToBuy); err != nil {
			return err
		}

		trade := &model.TradeRecord{
			ID:                   uuid.New().String(),
			ListingID:            l.ID,
			Type:                 model.TradePurchase,
			BuyerID:              in.BuyerID,
			SellerID:             l.SellerID,
			SharesCount:          in.SharesToBuy,
			PricePerShare:        l.PricePerShare,
			GrossAmount:          quote.Gross,
			FeeAmount:            quote.Fee,
			NetSellerAmount:      quote.NetSeller,
			IdempotencyKey:       in.IdempotencyKey,
			BuyerParticipationID: bought.ID,
			CreatedAt:            now,
		}
		if err := tx.InsertTradeRecord(ctx, trade); err != nil {
			return err
		}

		res = PurchaseResult{
			TradeID:            trade.ID,
			NewParticipationID: bought.ID,
			RemainingShares:    remaining,
			Gross:              quote.Gross,
			Fee:                quote.Fee,
			NetSeller:          quote.NetSeller,
		}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, e.reject("purchase", err)
	}
	if res.Replayed {
		return res, nil
	}

	metrics.TradesTotal.WithLabelValues(model.TradePurchase).Inc()
	metrics.TradeLatency.WithLabelValues(model.TradePurchase).Observe(time.Since(start).Seconds())
	slog.Info("shares purchased",
		"trade_id", res.TradeID,
		"listing_id", in.ListingID,
		"buyer", in.BuyerID,
		"shares", in.SharesToBuy,
		"gross", res.Gross.String(),
		"fee", res.Fee.String(),
		"remaining", res.RemainingShares,
	)
	e.broadcast(WSMessage{
		Type:            "shares_purchased",
		ListingID:       in.ListingID,
		SharesAvailable: res.RemainingShares,
	})
	return res, nil
}

// --- CancelListing ---

// CancelInput carries the parameters of a seller's cancel request.
type CancelInput struct {
	ListingID      string
	SellerID       string
	IdempotencyKey string
}

// CancelResult is the outcome of a successful (or replayed) cancellation.
type CancelResult struct {
	TradeID         string
	CancelledShares int64
	Status          string
	Replayed        bool
}

// CancelListing withdraws the unsold remainder of an active listing,
// restores the source participation's listable capacity, and appends one
// cancel record with zero monetary fields. Shares already purchased by
// others are untouched and irreversible.
func (e *Engine) CancelListing(ctx context.Context, in CancelInput) (CancelResult, error) {
	if in.ListingID == "" || in.SellerID == "" {
		return CancelResult{}, E(KindInvalidInput, "listing_id and seller_id are required")
	}

	var res CancelResult
	err := e.store.ExecTx(ctx, func(tx store.Tx) error {
		l, err := tx.GetListingForUpdate(ctx, in.ListingID)
		if err != nil {
			if notFound(err) {
				return E(KindNotFound, "listing %s not found", in.ListingID)
			}
			return err
		}

		if in.IdempotencyKey != "" {
			prior, err := tx.GetTradeByIdempotencyKey(ctx, in.IdempotencyKey)
			if err == nil {
				if prior.Type != model.TradeCancel || prior.ListingID != in.ListingID {
					return E(KindInvalidInput, "idempotency key was used for a different operation")
				}
				res = CancelResult{
					TradeID:         prior.ID,
					CancelledShares: prior.SharesCount,
					Status:          cancelStatus(l.SharesTotal, prior.SharesCount),
					Replayed:        true,
				}
				return nil
			}
			if !errors.Is(err, store.ErrTradeNotFound) {
				return err
			}
		}

		if l.SellerID != in.SellerID {
			return E(KindNotOwner, "listing %s is not owned by %s", l.ID, in.SellerID)
		}
		if l.Status != model.ListingActive {
			return E(KindNotActive, "listing %s is %s", l.ID, l.Status)
		}

		cancelled := l.SharesAvailable
		if err := tx.UpdateListing(ctx, l.ID, 0, model.ListingCancelled); err != nil {
			return err
		}
		if err := tx.AdjustReservedShares(ctx, l.SourceParticipationID, -cancelled); err != nil {
			return err
		}

		trade := &model.TradeRecord{
			ID:              uuid.New().String(),
			ListingID:       l.ID,
			Type:            model.TradeCancel,
			SellerID:        l.SellerID,
			SharesCount:     cancelled,
			PricePerShare:   l.PricePerShare,
			GrossAmount:     decimal.Zero,
			FeeAmount:       decimal.Zero,
			NetSellerAmount: decimal.Zero,
			IdempotencyKey:  in.IdempotencyKey,
			CreatedAt:       time.Now().UTC(),
		}
		if err := tx.InsertTradeRecord(ctx, trade); err != nil {
			return err
		}

		res = CancelResult{
			TradeID:         trade.ID,
			CancelledShares: cancelled,
			Status:          cancelStatus(l.SharesTotal, cancelled),
		}
		return nil
	})
	if err != nil {
		return CancelResult{}, e.reject("cancel", err)
	}
	if res.Replayed {
		return res, nil
	}

	metrics.TradesTotal.WithLabelValues(model.TradeCancel).Inc()
	slog.Info("listing cancelled",
		"listing_id", in.ListingID,
		"seller", in.SellerID,
		"cancelled_shares", res.CancelledShares,
		"status", res.Status,
	)
	e.broadcast(WSMessage{
		Type:      "listing_cancelled",
		ListingID: in.ListingID,
	})
	return res, nil
}

// cancelStatus reports whether any shares were sold before cancellation.
func cancelStatus(total, cancelled int64) string {
	if cancelled == total {
		return CancelFull
	}
	return CancelPartial
}

// reject classifies an operation failure, counts it, and returns the typed
// error.
func (e *Engine) reject(op string, err error) error {
	terr := translate(err)
	metrics.RejectionsTotal.WithLabelValues(op, string(KindOf(terr))).Inc()
	return terr
}

func (e *Engine) broadcast(msg WSMessage) {
	if e.hub != nil {
		e.hub.Broadcast(msg)
	}
}
