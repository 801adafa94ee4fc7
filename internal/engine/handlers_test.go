package engine_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sharedraw/resale-engine/internal/engine"
	"github.com/sharedraw/resale-engine/internal/model"
	"github.com/sharedraw/resale-engine/internal/store"
)

type testEnv struct {
	router *chi.Mux
	store  *store.MemoryStore
	engine *engine.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.SeedRound("round-1", model.RoundActive)
	e := engine.New(ms, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/listings", e.HandleCreateListing)
		r.Get("/listings", e.HandleListListings)
		r.Get("/listings/{listingID}", e.HandleGetListing)
		r.Get("/listings/{listingID}/trades", e.HandleListingTrades)
		r.Post("/listings/{listingID}/purchase", e.HandlePurchase)
		r.Post("/listings/{listingID}/cancel", e.HandleCancel)
	})

	return &testEnv{router: r, store: ms, engine: e}
}

func (env *testEnv) seedSeller(owner string, shares int64) string {
	id := "part-" + owner
	env.store.SeedParticipation(&model.Participation{
		ID:             id,
		OwnerID:        owner,
		LotteryRoundID: "round-1",
		SharesCount:    shares,
		Resaleable:     true,
		CreatedAt:      time.Now().UTC(),
	})
	env.store.SeedBalance(owner, d(0))
	return id
}

func (env *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func (env *testEnv) createListing(t *testing.T, participationID, seller string, shares int64, price string) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/listings", engine.CreateListingRequest{
		ParticipationID: participationID,
		SellerID:        seller,
		SharesToSell:    shares,
		PricePerShare:   mustDecimal(t, price),
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create listing: status %d body %s", rec.Code, rec.Body.String())
	}
	return decodeJSON[engine.CreateListingResponse](t, rec).ListingID
}

func TestHandleCreateListing(t *testing.T) {
	env := newTestEnv(t)
	pid := env.seedSeller("seller", 10)

	rec := env.do(t, http.MethodPost, "/api/v1/listings", engine.CreateListingRequest{
		ParticipationID: pid,
		SellerID:        "seller",
		SharesToSell:    4,
		PricePerShare:   mustDecimal(t, "10"),
	}, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON[engine.CreateListingResponse](t, rec)
	if resp.ListingID == "" || resp.SharesAvailable != 4 || resp.Status != model.ListingActive {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleCreateListing_BadBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/listings", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePurchase_FullFlow(t *testing.T) {
	env := newTestEnv(t)
	pid := env.seedSeller("seller", 5)
	env.store.SeedBalance("buyer", d(100))
	listingID := env.createListing(t, pid, "seller", 5, "10")

	rec := env.do(t, http.MethodPost, "/api/v1/listings/"+listingID+"/purchase",
		engine.PurchaseRequest{BuyerID: "buyer", SharesToBuy: 3}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON[engine.PurchaseResponse](t, rec)
	if resp.Gross != "30" || resp.Fee != "0.6" || resp.NetSeller != "29.4" {
		t.Errorf("amounts: gross=%s fee=%s net=%s", resp.Gross, resp.Fee, resp.NetSeller)
	}
	if resp.RemainingShares != 2 || resp.NewParticipationID == "" {
		t.Errorf("unexpected response: %+v", resp)
	}

	// The listing read path reflects the purchase.
	rec = env.do(t, http.MethodGet, "/api/v1/listings/"+listingID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	l := decodeJSON[model.Listing](t, rec)
	if l.SharesAvailable != 2 || l.Status != model.ListingActive {
		t.Errorf("listing: available=%d status=%s", l.SharesAvailable, l.Status)
	}

	// The trade shows up in the listing's audit trail.
	rec = env.do(t, http.MethodGet, "/api/v1/listings/"+listingID+"/trades", nil, nil)
	trades := decodeJSON[[]model.TradeRecord](t, rec)
	if len(trades) != 1 || trades[0].Type != model.TradePurchase || trades[0].SharesCount != 3 {
		t.Errorf("unexpected trades: %+v", trades)
	}
}

func TestHandlePurchase_ErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	pid := env.seedSeller("seller", 5)
	env.store.SeedBalance("buyer", d(5))
	listingID := env.createListing(t, pid, "seller", 5, "10")

	cases := []struct {
		name   string
		path   string
		req    engine.PurchaseRequest
		status int
		kind   string
	}{
		{"missing listing", "/api/v1/listings/nope/purchase",
			engine.PurchaseRequest{BuyerID: "buyer", SharesToBuy: 1},
			http.StatusNotFound, "NOT_FOUND"},
		{"self trade", "/api/v1/listings/" + listingID + "/purchase",
			engine.PurchaseRequest{BuyerID: "seller", SharesToBuy: 1},
			http.StatusForbidden, "SELF_TRADE"},
		{"too many shares", "/api/v1/listings/" + listingID + "/purchase",
			engine.PurchaseRequest{BuyerID: "buyer", SharesToBuy: 9},
			http.StatusConflict, "INSUFFICIENT_SHARES"},
		{"poor buyer", "/api/v1/listings/" + listingID + "/purchase",
			engine.PurchaseRequest{BuyerID: "buyer", SharesToBuy: 1},
			http.StatusConflict, "INSUFFICIENT_BALANCE"},
		{"zero shares", "/api/v1/listings/" + listingID + "/purchase",
			engine.PurchaseRequest{BuyerID: "buyer", SharesToBuy: 0},
			http.StatusBadRequest, "INVALID_INPUT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tc.path, tc.req, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			body := decodeJSON[map[string]string](t, rec)
			if body["kind"] != tc.kind {
				t.Errorf("expected kind %s, got %s", tc.kind, body["kind"])
			}
		})
	}
}

func TestHandlePurchase_IdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	pid := env.seedSeller("seller", 5)
	env.store.SeedBalance("buyer", d(100))
	listingID := env.createListing(t, pid, "seller", 5, "10")

	key := map[string]string{"Idempotency-Key": "0b9e6a1e-14de-4b43-9f30-5b1f2a6f3c11"}
	body := engine.PurchaseRequest{BuyerID: "buyer", SharesToBuy: 2}

	first := env.do(t, http.MethodPost, "/api/v1/listings/"+listingID+"/purchase", body, key)
	if first.Code != http.StatusOK {
		t.Fatalf("purchase: %d %s", first.Code, first.Body.String())
	}
	second := env.do(t, http.MethodPost, "/api/v1/listings/"+listingID+"/purchase", body, key)
	if second.Code != http.StatusOK {
		t.Fatalf("replay: %d %s", second.Code, second.Body.String())
	}

	r1 := decodeJSON[engine.PurchaseResponse](t, first)
	r2 := decodeJSON[engine.PurchaseResponse](t, second)
	if !r2.Replayed || r2.TradeID != r1.TradeID {
		t.Errorf("expected replay of %s, got %+v", r1.TradeID, r2)
	}
}

func TestHandlePurchase_MalformedIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	pid := env.seedSeller("seller", 5)
	env.store.SeedBalance("buyer", d(100))
	listingID := env.createListing(t, pid, "seller", 5, "10")

	rec := env.do(t, http.MethodPost, "/api/v1/listings/"+listingID+"/purchase",
		engine.PurchaseRequest{BuyerID: "buyer", SharesToBuy: 1},
		map[string]string{"Idempotency-Key": "not-a-uuid"})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCancel(t *testing.T) {
	env := newTestEnv(t)
	pid := env.seedSeller("seller", 5)
	listingID := env.createListing(t, pid, "seller", 5, "10")

	rec := env.do(t, http.MethodPost, "/api/v1/listings/"+listingID+"/cancel",
		engine.CancelRequest{SellerID: "seller"}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON[engine.CancelResponse](t, rec)
	if resp.CancelledShares != 5 || resp.Status != engine.CancelFull {
		t.Errorf("unexpected response: %+v", resp)
	}

	// A second cancel is a conflict.
	rec = env.do(t, http.MethodPost, "/api/v1/listings/"+listingID+"/cancel",
		engine.CancelRequest{SellerID: "seller"}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}

	// Cancel by a non-owner is forbidden.
	listingID2 := env.createListing(t, pid, "seller", 2, "10")
	rec = env.do(t, http.MethodPost, "/api/v1/listings/"+listingID2+"/cancel",
		engine.CancelRequest{SellerID: "mallory"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandleListListings(t *testing.T) {
	env := newTestEnv(t)
	pid := env.seedSeller("seller", 10)
	active := env.createListing(t, pid, "seller", 3, "10")
	cancelled := env.createListing(t, pid, "seller", 2, "8")
	env.do(t, http.MethodPost, "/api/v1/listings/"+cancelled+"/cancel",
		engine.CancelRequest{SellerID: "seller"}, nil)

	// round_id is required.
	rec := env.do(t, http.MethodGet, "/api/v1/listings", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without round_id, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/listings?round_id=round-1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	listings := decodeJSON[[]model.Listing](t, rec)
	if len(listings) != 1 || listings[0].ID != active {
		t.Errorf("expected only the active listing, got %+v", listings)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/listings?round_id=round-1&all=1", nil, nil)
	listings = decodeJSON[[]model.Listing](t, rec)
	if len(listings) != 2 {
		t.Errorf("expected 2 listings with all=1, got %d", len(listings))
	}

	// Unknown round returns an empty array, not null.
	rec = env.do(t, http.MethodGet, "/api/v1/listings?round_id=round-x", nil, nil)
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("expected empty array, got %q", body)
	}
}

func TestHandleGetListing_NotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/listings/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return v
}
