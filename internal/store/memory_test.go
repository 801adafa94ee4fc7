package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharedraw/resale-engine/internal/model"
)

func seedListing(s *MemoryStore, id string) {
	_ = s.ExecTx(context.Background(), func(tx Tx) error {
		return tx.InsertListing(context.Background(), &model.Listing{
			ID:                    id,
			SellerID:              "seller",
			SourceParticipationID: "part-1",
			LotteryRoundID:        "round-1",
			SharesTotal:           5,
			SharesAvailable:       5,
			PricePerShare:         decimal.NewFromInt(10),
			Status:                model.ListingActive,
			CreatedAt:             time.Now().UTC(),
		})
	})
}

func TestMemoryStore_RollbackDiscardsStagedWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SeedBalance("alice", decimal.NewFromInt(100))
	seedListing(s, "l1")

	boom := errors.New("boom")
	err := s.ExecTx(ctx, func(tx Tx) error {
		if err := tx.ApplyBalanceDelta(ctx, "alice", decimal.NewFromInt(-40)); err != nil {
			return err
		}
		if err := tx.UpdateListing(ctx, "l1", 1, model.ListingActive); err != nil {
			return err
		}
		if err := tx.InsertTradeRecord(ctx, &model.TradeRecord{ID: "t1", ListingID: "l1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}

	bal, _ := s.GetBalance(ctx, "alice")
	if !bal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance mutated after rollback: %s", bal)
	}
	l, _ := s.GetListing(ctx, "l1")
	if l.SharesAvailable != 5 {
		t.Errorf("listing mutated after rollback: %d", l.SharesAvailable)
	}
	trades, _ := s.GetTradesByListing(ctx, "l1")
	if len(trades) != 0 {
		t.Errorf("trade survived rollback: %+v", trades)
	}
}

func TestMemoryStore_ExpiredContextAbortsCommit(t *testing.T) {
	s := NewMemoryStore()
	s.SeedBalance("alice", decimal.NewFromInt(100))

	// Already-dead context: the unit of work never starts.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.ExecTx(cancelled, func(tx Tx) error {
		return tx.ApplyBalanceDelta(cancelled, "alice", decimal.NewFromInt(-40))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Context expiring during the unit of work: staged writes are dropped
	// instead of committed.
	midway, cancelMidway := context.WithCancel(context.Background())
	err = s.ExecTx(midway, func(tx Tx) error {
		if err := tx.ApplyBalanceDelta(midway, "alice", decimal.NewFromInt(-40)); err != nil {
			return err
		}
		cancelMidway()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	bal, _ := s.GetBalance(context.Background(), "alice")
	if !bal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance mutated by aborted units of work: %s", bal)
	}
}

func TestMemoryStore_CommitIsVisible(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SeedBalance("alice", decimal.NewFromInt(100))

	err := s.ExecTx(ctx, func(tx Tx) error {
		return tx.ApplyBalanceDelta(ctx, "alice", decimal.NewFromInt(-40))
	})
	if err != nil {
		t.Fatalf("ExecTx failed: %v", err)
	}

	bal, _ := s.GetBalance(ctx, "alice")
	if !bal.Equal(decimal.NewFromInt(60)) {
		t.Errorf("expected 60, got %s", bal)
	}
}

func TestMemoryStore_ReservedSharesRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SeedParticipation(&model.Participation{
		ID:          "p1",
		OwnerID:     "alice",
		SharesCount: 5,
		Resaleable:  true,
	})

	// Within range.
	if err := s.ExecTx(ctx, func(tx Tx) error {
		return tx.AdjustReservedShares(ctx, "p1", 5)
	}); err != nil {
		t.Fatalf("valid adjustment failed: %v", err)
	}

	// Over shares_count.
	if err := s.ExecTx(ctx, func(tx Tx) error {
		return tx.AdjustReservedShares(ctx, "p1", 1)
	}); err == nil {
		t.Error("expected error raising reserved above shares_count")
	}

	// Below zero.
	if err := s.ExecTx(ctx, func(tx Tx) error {
		return tx.AdjustReservedShares(ctx, "p1", -6)
	}); err == nil {
		t.Error("expected error dropping reserved below zero")
	}

	p, _ := s.GetParticipation(ctx, "p1")
	if p.ReservedShares != 5 {
		t.Errorf("expected reserved 5, got %d", p.ReservedShares)
	}
}

func TestMemoryStore_IdempotencyKeyUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	insert := func(id string) error {
		return s.ExecTx(ctx, func(tx Tx) error {
			return tx.InsertTradeRecord(ctx, &model.TradeRecord{
				ID:             id,
				ListingID:      "l1",
				IdempotencyKey: "key-1",
			})
		})
	}

	if err := insert("t1"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := insert("t2"); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	err := s.ExecTx(ctx, func(tx Tx) error {
		tr, err := tx.GetTradeByIdempotencyKey(ctx, "key-1")
		if err != nil {
			return err
		}
		if tr.ID != "t1" {
			t.Errorf("expected trade t1, got %s", tr.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
}

func TestMemoryStore_NotFoundSentinels(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetListing(ctx, "x"); !errors.Is(err, ErrListingNotFound) {
		t.Errorf("expected ErrListingNotFound, got %v", err)
	}
	if _, err := s.GetParticipation(ctx, "x"); !errors.Is(err, ErrParticipationNotFound) {
		t.Errorf("expected ErrParticipationNotFound, got %v", err)
	}
	if _, err := s.GetBalance(ctx, "x"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	err := s.ExecTx(ctx, func(tx Tx) error {
		_, err := tx.GetTradeByIdempotencyKey(ctx, "x")
		return err
	})
	if !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("expected ErrTradeNotFound, got %v", err)
	}
}
