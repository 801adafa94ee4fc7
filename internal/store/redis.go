package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/sharedraw/resale-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for listing reads. Units of work run against the primary; keys for
// every listing and round a committed transaction touched are invalidated
// so the next read re-populates. Balances and participations are never
// cached — they are only read under lock.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// ExecTx delegates to the primary store, recording which listings and
// rounds the unit of work touched, and invalidates their cache keys after
// a successful commit.
func (s *CachedStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{}
	err := s.primary.ExecTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}

	var keys []string
	for id := range rec.listingIDs {
		keys = append(keys, listingKey(id))
	}
	for id := range rec.roundIDs {
		keys = append(keys, roundListingsKey(id, true), roundListingsKey(id, false))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(id)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, listingKey(id), data, s.ttl)
	}
	return l, nil
}

func (s *CachedStore) ListListingsByRound(ctx context.Context, roundID string, activeOnly bool) ([]model.Listing, error) {
	key := roundListingsKey(roundID, activeOnly)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var listings []model.Listing
		if json.Unmarshal(data, &listings) == nil {
			return listings, nil
		}
	}

	listings, err := s.primary.ListListingsByRound(ctx, roundID, activeOnly)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(listings); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return listings, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetParticipation(ctx context.Context, id string) (*model.Participation, error) {
	return s.primary.GetParticipation(ctx, id)
}

func (s *CachedStore) GetTradesByListing(ctx context.Context, listingID string) ([]model.TradeRecord, error) {
	return s.primary.GetTradesByListing(ctx, listingID)
}

func (s *CachedStore) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.primary.GetBalance(ctx, accountID)
}

// --- Invalidation tracking ---

// recordingTx passes every call through to the wrapped Tx while noting
// which listings and rounds were mutated.
type recordingTx struct {
	Tx
	listingIDs map[string]struct{}
	roundIDs   map[string]struct{}
}

func (t *recordingTx) noteListing(id string) {
	if t.listingIDs == nil {
		t.listingIDs = make(map[string]struct{})
	}
	t.listingIDs[id] = struct{}{}
}

func (t *recordingTx) noteRound(id string) {
	if t.roundIDs == nil {
		t.roundIDs = make(map[string]struct{})
	}
	t.roundIDs[id] = struct{}{}
}

func (t *recordingTx) InsertListing(ctx context.Context, l *model.Listing) error {
	t.noteListing(l.ID)
	t.noteRound(l.LotteryRoundID)
	return t.Tx.InsertListing(ctx, l)
}

func (t *recordingTx) UpdateListing(ctx context.Context, id string, sharesAvailable int64, status string) error {
	t.noteListing(id)
	return t.Tx.UpdateListing(ctx, id, sharesAvailable, status)
}

func (t *recordingTx) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	l, err := t.Tx.GetListingForUpdate(ctx, id)
	if err == nil {
		// The round's listing collections change whenever a locked
		// listing is mutated later in the transaction.
		t.noteRound(l.LotteryRoundID)
	}
	return l, err
}

// --- Cache keys ---

func listingKey(id string) string { return fmt.Sprintf("listing:%s", id) }

func roundListingsKey(roundID string, activeOnly bool) string {
	if activeOnly {
		return fmt.Sprintf("round_listings:%s:active", roundID)
	}
	return fmt.Sprintf("round_listings:%s:all", roundID)
}
