package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sharedraw/resale-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Expected tables: listings, participations, balance_accounts,
// lottery_rounds, trade_records (idempotency_key UNIQUE where present).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ExecTx runs fn inside one database transaction at read-committed
// isolation. Row locks taken via FOR UPDATE inside fn are held until
// commit or rollback.
func (s *PostgresStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

const listingColumns = `id, seller_id, source_participation_id, lottery_round_id,
        shares_total, shares_available, price_per_share::TEXT, status, created_at, updated_at`

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var price string
	if err := row.Scan(&l.ID, &l.SellerID, &l.SourceParticipationID, &l.LotteryRoundID,
		&l.SharesTotal, &l.SharesAvailable, &price, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.PricePerShare, _ = decimal.NewFromString(price)
	return &l, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("listing %s: %w", id, ErrListingNotFound)
		}
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListListingsByRound(ctx context.Context, roundID string, activeOnly bool) ([]model.Listing, error) {
	q := `SELECT ` + listingColumns + ` FROM listings WHERE lottery_round_id = $1`
	if activeOnly {
		q += ` AND status = 'active'`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

const participationColumns = `id, owner_id, lottery_round_id, shares_count,
        reserved_shares, resaleable, amount_paid::TEXT, created_at`

func scanParticipation(row pgx.Row) (*model.Participation, error) {
	var p model.Participation
	var paid string
	if err := row.Scan(&p.ID, &p.OwnerID, &p.LotteryRoundID, &p.SharesCount,
		&p.ReservedShares, &p.Resaleable, &paid, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.AmountPaid, _ = decimal.NewFromString(paid)
	return &p, nil
}

func (s *PostgresStore) GetParticipation(ctx context.Context, id string) (*model.Participation, error) {
	p, err := scanParticipation(s.pool.QueryRow(ctx,
		`SELECT `+participationColumns+` FROM participations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("participation %s: %w", id, ErrParticipationNotFound)
		}
		return nil, fmt.Errorf("get participation %s: %w", id, err)
	}
	return p, nil
}

const tradeColumns = `id, listing_id, type, COALESCE(buyer_id, ''), seller_id,
        shares_count, price_per_share::TEXT, gross_amount::TEXT, fee_amount::TEXT,
        net_seller_amount::TEXT, COALESCE(idempotency_key, ''),
        COALESCE(buyer_participation_id, ''), created_at`

func scanTrade(row pgx.Row) (*model.TradeRecord, error) {
	var tr model.TradeRecord
	var price, gross, fee, net string
	if err := row.Scan(&tr.ID, &tr.ListingID, &tr.Type, &tr.BuyerID, &tr.SellerID,
		&tr.SharesCount, &price, &gross, &fee, &net,
		&tr.IdempotencyKey, &tr.BuyerParticipationID, &tr.CreatedAt); err != nil {
		return nil, err
	}
	tr.PricePerShare, _ = decimal.NewFromString(price)
	tr.GrossAmount, _ = decimal.NewFromString(gross)
	tr.FeeAmount, _ = decimal.NewFromString(fee)
	tr.NetSellerAmount, _ = decimal.NewFromString(net)
	return &tr, nil
}

func (s *PostgresStore) GetTradesByListing(ctx context.Context, listingID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_records
		 WHERE listing_id = $1 ORDER BY created_at`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *tr)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM balance_accounts WHERE account_id = $1`, accountID).
		Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
		}
		return decimal.Zero, fmt.Errorf("get balance %s: %w", accountID, err)
	}
	b, _ := decimal.NewFromString(balance)
	return b, nil
}

// --- Tx ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetListingForUpdate(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(t.tx.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("listing %s: %w", id, ErrListingNotFound)
		}
		return nil, fmt.Errorf("lock listing %s: %w", id, err)
	}
	return l, nil
}

func (t *pgTx) GetParticipationForUpdate(ctx context.Context, id string) (*model.Participation, error) {
	p, err := scanParticipation(t.tx.QueryRow(ctx,
		`SELECT `+participationColumns+` FROM participations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("participation %s: %w", id, ErrParticipationNotFound)
		}
		return nil, fmt.Errorf("lock participation %s: %w", id, err)
	}
	return p, nil
}

func (t *pgTx) GetBalanceForUpdate(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var balance string
	err := t.tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM balance_accounts WHERE account_id = $1 FOR UPDATE`, accountID).
		Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
		}
		return decimal.Zero, fmt.Errorf("lock balance %s: %w", accountID, err)
	}
	b, _ := decimal.NewFromString(balance)
	return b, nil
}

func (t *pgTx) IsRoundTradable(ctx context.Context, roundID string) (bool, error) {
	var status string
	err := t.tx.QueryRow(ctx,
		`SELECT status FROM lottery_rounds WHERE id = $1`, roundID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("round %s: %w", roundID, ErrRoundNotFound)
		}
		return false, fmt.Errorf("read round %s: %w", roundID, err)
	}
	return status == model.RoundActive, nil
}

func (t *pgTx) GetTradeByIdempotencyKey(ctx context.Context, key string) (*model.TradeRecord, error) {
	tr, err := scanTrade(t.tx.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trade_records WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("idempotency key %s: %w", key, ErrTradeNotFound)
		}
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return tr, nil
}

func (t *pgTx) InsertListing(ctx context.Context, l *model.Listing) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO listings (id, seller_id, source_participation_id, lottery_round_id,
		        shares_total, shares_available, price_per_share, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)`,
		l.ID, l.SellerID, l.SourceParticipationID, l.LotteryRoundID,
		l.SharesTotal, l.SharesAvailable, l.PricePerShare.String(), l.Status, l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (t *pgTx) UpdateListing(ctx context.Context, id string, sharesAvailable int64, status string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE listings SET shares_available = $2, status = $3, updated_at = now()
		 WHERE id = $1`,
		id, sharesAvailable, status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", id, ErrListingNotFound)
	}
	return nil
}

func (t *pgTx) AdjustReservedShares(ctx context.Context, participationID string, delta int64) error {
	// The CHECK constraint (0 <= reserved_shares <= shares_count) backs
	// up the application-level invariant.
	tag, err := t.tx.Exec(ctx,
		`UPDATE participations SET reserved_shares = reserved_shares + $2
		 WHERE id = $1`,
		participationID, delta,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participation %s: %w", participationID, ErrParticipationNotFound)
	}
	return nil
}

func (t *pgTx) InsertParticipation(ctx context.Context, p *model.Participation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO participations (id, owner_id, lottery_round_id, shares_count,
		        reserved_shares, resaleable, amount_paid, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
		p.ID, p.OwnerID, p.LotteryRoundID, p.SharesCount,
		p.ReservedShares, p.Resaleable, p.AmountPaid.String(), p.CreatedAt,
	)
	return err
}

func (t *pgTx) ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE balance_accounts SET balance = balance + $2::NUMERIC
		 WHERE account_id = $1`,
		accountID, delta.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	return nil
}

func (t *pgTx) InsertTradeRecord(ctx context.Context, tr *model.TradeRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trade_records (id, listing_id, type, buyer_id, seller_id,
		        shares_count, price_per_share, gross_amount, fee_amount,
		        net_seller_amount, idempotency_key, buyer_participation_id, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7::NUMERIC, $8::NUMERIC,
		        $9::NUMERIC, $10::NUMERIC, NULLIF($11, ''), NULLIF($12, ''), $13)`,
		tr.ID, tr.ListingID, tr.Type, tr.BuyerID, tr.SellerID,
		tr.SharesCount, tr.PricePerShare.String(), tr.GrossAmount.String(),
		tr.FeeAmount.String(), tr.NetSellerAmount.String(),
		tr.IdempotencyKey, tr.BuyerParticipationID, tr.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("key %s: %w", tr.IdempotencyKey, ErrDuplicateKey)
	}
	return err
}

// isUniqueViolation reports whether err is a PostgreSQL 23505 error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
