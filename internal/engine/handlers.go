package engine

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharedraw/resale-engine/internal/model"
)

// --- Request/Response types ---

// CreateListingRequest is the JSON body for POST /api/v1/listings.
type CreateListingRequest struct {
	ParticipationID string          `json:"participation_id"`
	SellerID        string          `json:"seller_id"`
	SharesToSell    int64           `json:"shares_to_sell"`
	PricePerShare   decimal.Decimal `json:"price_per_share"`
}

// CreateListingResponse is returned from a successful listing creation.
type CreateListingResponse struct {
	ListingID       string `json:"listing_id"`
	SharesAvailable int64  `json:"shares_available"`
	Status          string `json:"status"`
}

// PurchaseRequest is the JSON body for POST /api/v1/listings/{id}/purchase.
type PurchaseRequest struct {
	BuyerID     string `json:"buyer_id"`
	SharesToBuy int64  `json:"shares_to_buy"`
}

// PurchaseResponse is returned from a successful purchase.
type PurchaseResponse struct {
	TradeID            string `json:"trade_id"`
	NewParticipationID string `json:"new_participation_id"`
	RemainingShares    int64  `json:"remaining_shares"`
	Gross              string `json:"gross"`
	Fee                string `json:"fee"`
	NetSeller          string `json:"net_seller"`
	Replayed           bool   `json:"replayed,omitempty"`
}

// CancelRequest is the JSON body for POST /api/v1/listings/{id}/cancel.
type CancelRequest struct {
	SellerID string `json:"seller_id"`
}

// CancelResponse is returned from a successful cancellation.
type CancelResponse struct {
	CancelledShares int64  `json:"cancelled_shares"`
	Status          string `json:"status"`
	Replayed        bool   `json:"replayed,omitempty"`
}

// --- HTTP Handlers ---

// HandleCreateListing handles POST /api/v1/listings
func (e *Engine) HandleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := e.CreateListing(r.Context(), CreateListingInput{
		ParticipationID: req.ParticipationID,
		SellerID:        req.SellerID,
		SharesToSell:    req.SharesToSell,
		PricePerShare:   req.PricePerShare,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateListingResponse{
		ListingID:       res.Listing.ID,
		SharesAvailable: res.Listing.SharesAvailable,
		Status:          res.Listing.Status,
	})
}

// HandlePurchase handles POST /api/v1/listings/{listingID}/purchase
// Callers retrying a purchase must resend the same Idempotency-Key header;
// a replay returns the originally recorded trade instead of re-charging.
func (e *Engine) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	key, ok := idempotencyKey(r)
	if !ok {
		writeError(w, "Idempotency-Key must be a UUID", http.StatusBadRequest)
		return
	}

	res, err := e.PurchaseShares(r.Context(), PurchaseInput{
		ListingID:      chi.URLParam(r, "listingID"),
		BuyerID:        req.BuyerID,
		SharesToBuy:    req.SharesToBuy,
		IdempotencyKey: key,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PurchaseResponse{
		TradeID:            res.TradeID,
		NewParticipationID: res.NewParticipationID,
		RemainingShares:    res.RemainingShares,
		Gross:              res.Gross.String(),
		Fee:                res.Fee.String(),
		NetSeller:          res.NetSeller.String(),
		Replayed:           res.Replayed,
	})
}

// HandleCancel handles POST /api/v1/listings/{listingID}/cancel
func (e *Engine) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	key, ok := idempotencyKey(r)
	if !ok {
		writeError(w, "Idempotency-Key must be a UUID", http.StatusBadRequest)
		return
	}

	res, err := e.CancelListing(r.Context(), CancelInput{
		ListingID:      chi.URLParam(r, "listingID"),
		SellerID:       req.SellerID,
		IdempotencyKey: key,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CancelResponse{
		CancelledShares: res.CancelledShares,
		Status:          res.Status,
		Replayed:        res.Replayed,
	})
}

// HandleGetListing handles GET /api/v1/listings/{listingID}
func (e *Engine) HandleGetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := e.store.GetListing(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeError(w, "listing not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

// HandleListListings handles GET /api/v1/listings?round_id=<id>&all=1
// Returns active listings for a round; pass all=1 to include terminal ones.
func (e *Engine) HandleListListings(w http.ResponseWriter, r *http.Request) {
	roundID := r.URL.Query().Get("round_id")
	if roundID == "" {
		writeError(w, "round_id is required", http.StatusBadRequest)
		return
	}
	activeOnly := r.URL.Query().Get("all") == ""

	listings, err := e.store.ListListingsByRound(r.Context(), roundID, activeOnly)
	if err != nil {
		writeError(w, "failed to list listings", http.StatusInternalServerError)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listings)
}

// HandleListingTrades handles GET /api/v1/listings/{listingID}/trades
// Returns the immutable audit trail for one listing.
func (e *Engine) HandleListingTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := e.store.GetTradesByListing(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// idempotencyKey reads and validates the optional Idempotency-Key header.
func idempotencyKey(r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		return "", true
	}
	if _, err := uuid.Parse(key); err != nil {
		return "", false
	}
	return key, true
}

// writeEngineError maps an engine error onto its HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(kind))
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
