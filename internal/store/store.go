// Package store defines the persistence interface for the resale engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for listing reads), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/sharedraw/resale-engine/internal/model"
)

// Sentinel errors shared by all implementations. Engine code matches on
// these with errors.Is; implementations wrap them with row context.
var (
	ErrListingNotFound       = errors.New("store: listing not found")
	ErrParticipationNotFound = errors.New("store: participation not found")
	ErrAccountNotFound       = errors.New("store: balance account not found")
	ErrRoundNotFound         = errors.New("store: lottery round not found")
	ErrTradeNotFound         = errors.New("store: trade record not found")
	ErrDuplicateKey          = errors.New("store: duplicate idempotency key")
)

// Store is the persistence boundary. Reads outside ExecTx take no locks and
// may be served from cache; all mutations happen inside exactly one ExecTx
// unit of work, which commits or rolls back as a whole.
type Store interface {
	// ExecTx runs fn inside one atomic unit of work. If fn returns an
	// error, every mutation made through the Tx is discarded.
	ExecTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Non-locking reads ---

	// GetListing retrieves a listing by ID.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// ListListingsByRound returns listings for one lottery round,
	// newest first. Pass activeOnly to filter to open offers.
	ListListingsByRound(ctx context.Context, roundID string, activeOnly bool) ([]model.Listing, error)

	// GetParticipation retrieves a participation by ID.
	GetParticipation(ctx context.Context, id string) (*model.Participation, error)

	// GetTradesByListing returns the audit trail for one listing in
	// chronological order.
	GetTradesByListing(ctx context.Context, listingID string) ([]model.TradeRecord, error)

	// GetBalance returns an account's current balance.
	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// Tx exposes locked reads and mutations scoped to one unit of work.
// Locked reads block until any competing transaction holding the same row
// commits, then observe the committed state. Callers must acquire locks in
// a fixed order — listing, source participation, buyer balance, seller
// balance — to avoid circular waits.
type Tx interface {
	// --- Locked reads ---

	GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error)
	GetParticipationForUpdate(ctx context.Context, id string) (*model.Participation, error)
	GetBalanceForUpdate(ctx context.Context, accountID string) (decimal.Decimal, error)

	// IsRoundTradable reports whether the round exists and is in its
	// tradable state. Plain read; round rows are never locked or
	// mutated by the engine.
	IsRoundTradable(ctx context.Context, roundID string) (bool, error)

	// GetTradeByIdempotencyKey returns the committed trade recorded
	// under a caller-supplied key, or ErrTradeNotFound.
	GetTradeByIdempotencyKey(ctx context.Context, key string) (*model.TradeRecord, error)

	// --- Mutations ---

	InsertListing(ctx context.Context, l *model.Listing) error
	UpdateListing(ctx context.Context, id string, sharesAvailable int64, status string) error

	// AdjustReservedShares adds delta (possibly negative) to a
	// participation's reserved_shares. The caller must already hold the
	// participation lock.
	AdjustReservedShares(ctx context.Context, participationID string, delta int64) error

	InsertParticipation(ctx context.Context, p *model.Participation) error

	// ApplyBalanceDelta adds a signed amount to an account balance.
	ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) error

	InsertTradeRecord(ctx context.Context, tr *model.TradeRecord) error
}
