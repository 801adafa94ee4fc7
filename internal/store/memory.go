package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharedraw/resale-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Units of work run serialized under one mutex against a staged copy of the
// whole state; the copy replaces the live state only on commit, so a failed
// ExecTx leaves no partial mutation behind — same contract as the
// PostgreSQL implementation.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	listings       map[string]*model.Listing
	participations map[string]*model.Participation
	balances       map[string]decimal.Decimal
	rounds         map[string]*model.LotteryRound
	trades         []model.TradeRecord
	tradesByKey    map[string]int // idempotency key → index into trades
}

func newMemState() *memState {
	return &memState{
		listings:       make(map[string]*model.Listing),
		participations: make(map[string]*model.Participation),
		balances:       make(map[string]decimal.Decimal),
		rounds:         make(map[string]*model.LotteryRound),
		tradesByKey:    make(map[string]int),
	}
}

func (st *memState) clone() *memState {
	c := newMemState()
	for id, l := range st.listings {
		copy := *l
		c.listings[id] = &copy
	}
	for id, p := range st.participations {
		copy := *p
		c.participations[id] = &copy
	}
	for id, b := range st.balances {
		c.balances[id] = b
	}
	for id, r := range st.rounds {
		copy := *r
		c.rounds[id] = &copy
	}
	c.trades = append(c.trades, st.trades...)
	for k, i := range st.tradesByKey {
		c.tradesByKey[k] = i
	}
	return c
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// --- Seed helpers (externally-owned records) ---

// SeedParticipation installs a participation record. Participations are
// created by the original purchase flow, which is outside the engine.
func (s *MemoryStore) SeedParticipation(p *model.Participation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *p
	s.state.participations[p.ID] = &copy
}

// SeedBalance installs a balance account.
func (s *MemoryStore) SeedBalance(accountID string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.balances[accountID] = balance
}

// SeedRound installs a lottery round.
func (s *MemoryStore) SeedRound(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.rounds[id] = &model.LotteryRound{ID: id, Status: status}
}

// --- Store ---

// ExecTx honors the caller's context the same way the PostgreSQL store
// does: an expired deadline aborts the unit of work before, and instead
// of, the commit.
func (s *MemoryStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	staged := s.state.clone()
	if err := fn(&memTx{state: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.state.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrListingNotFound)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) ListListingsByRound(_ context.Context, roundID string, activeOnly bool) ([]model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Listing
	for _, l := range s.state.listings {
		if l.LotteryRoundID != roundID {
			continue
		}
		if activeOnly && l.Status != model.ListingActive {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetParticipation(_ context.Context, id string) (*model.Participation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.participations[id]
	if !ok {
		return nil, fmt.Errorf("participation %s: %w", id, ErrParticipationNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) GetTradesByListing(_ context.Context, listingID string) ([]model.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.TradeRecord
	for _, tr := range s.state.trades {
		if tr.ListingID == listingID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.state.balances[accountID]
	if !ok {
		return decimal.Zero, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	return b, nil
}

// --- Tx ---

// memTx mutates a staged state copy. The store mutex is held for the whole
// unit of work, so locked reads are trivially serialized.
type memTx struct {
	state *memState
}

func (t *memTx) GetListingForUpdate(_ context.Context, id string) (*model.Listing, error) {
	l, ok := t.state.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrListingNotFound)
	}
	copy := *l
	return &copy, nil
}

func (t *memTx) GetParticipationForUpdate(_ context.Context, id string) (*model.Participation, error) {
	p, ok := t.state.participations[id]
	if !ok {
		return nil, fmt.Errorf("participation %s: %w", id, ErrParticipationNotFound)
	}
	copy := *p
	return &copy, nil
}

func (t *memTx) GetBalanceForUpdate(_ context.Context, accountID string) (decimal.Decimal, error) {
	b, ok := t.state.balances[accountID]
	if !ok {
		return decimal.Zero, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	return b, nil
}

func (t *memTx) IsRoundTradable(_ context.Context, roundID string) (bool, error) {
	r, ok := t.state.rounds[roundID]
	if !ok {
		return false, fmt.Errorf("round %s: %w", roundID, ErrRoundNotFound)
	}
	return r.Status == model.RoundActive, nil
}

func (t *memTx) GetTradeByIdempotencyKey(_ context.Context, key string) (*model.TradeRecord, error) {
	i, ok := t.state.tradesByKey[key]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, ErrTradeNotFound)
	}
	copy := t.state.trades[i]
	return &copy, nil
}

func (t *memTx) InsertListing(_ context.Context, l *model.Listing) error {
	if _, exists := t.state.listings[l.ID]; exists {
		return fmt.Errorf("listing %s already exists", l.ID)
	}
	copy := *l
	t.state.listings[l.ID] = &copy
	return nil
}

func (t *memTx) UpdateListing(_ context.Context, id string, sharesAvailable int64, status string) error {
	l, ok := t.state.listings[id]
	if !ok {
		return fmt.Errorf("listing %s: %w", id, ErrListingNotFound)
	}
	l.SharesAvailable = sharesAvailable
	l.Status = status
	l.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) AdjustReservedShares(_ context.Context, participationID string, delta int64) error {
	p, ok := t.state.participations[participationID]
	if !ok {
		return fmt.Errorf("participation %s: %w", participationID, ErrParticipationNotFound)
	}
	next := p.ReservedShares + delta
	if next < 0 || next > p.SharesCount {
		return fmt.Errorf("participation %s: reserved_shares %d out of range [0,%d]",
			participationID, next, p.SharesCount)
	}
	p.ReservedShares = next
	return nil
}

func (t *memTx) InsertParticipation(_ context.Context, p *model.Participation) error {
	if _, exists := t.state.participations[p.ID]; exists {
		return fmt.Errorf("participation %s already exists", p.ID)
	}
	copy := *p
	t.state.participations[p.ID] = &copy
	return nil
}

func (t *memTx) ApplyBalanceDelta(_ context.Context, accountID string, delta decimal.Decimal) error {
	b, ok := t.state.balances[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	t.state.balances[accountID] = b.Add(delta)
	return nil
}

func (t *memTx) InsertTradeRecord(_ context.Context, tr *model.TradeRecord) error {
	if tr.IdempotencyKey != "" {
		if _, exists := t.state.tradesByKey[tr.IdempotencyKey]; exists {
			return fmt.Errorf("key %s: %w", tr.IdempotencyKey, ErrDuplicateKey)
		}
		t.state.tradesByKey[tr.IdempotencyKey] = len(t.state.trades)
	}
	t.state.trades = append(t.state.trades, *tr)
	return nil
}
