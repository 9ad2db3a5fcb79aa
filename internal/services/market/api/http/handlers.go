// Package http exposes the marketplace operations as a JSON API.
package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/argylefox/tradepost/internal/platform/errors"
	"github.com/argylefox/tradepost/internal/platform/httpx"
	"github.com/argylefox/tradepost/internal/services/market/domain"
	"github.com/argylefox/tradepost/internal/services/market/service"
)

// accountIDHeader identifies the caller when grant verification is disabled.
const accountIDHeader = "X-Account-ID"

// Handler serves the marketplace JSON API.
type Handler struct {
	market *service.Market
	grants CallerGrantConfig
	mux    *http.ServeMux
}

// NewHandler wires the marketplace routes into a handler.
func NewHandler(market *service.Market, grants CallerGrantConfig) *Handler {
	h := &Handler{
		market: market,
		grants: grants,
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /v1/listings", h.handleCreateListing)
	h.mux.HandleFunc("GET /v1/listings", h.handleBrowseListings)
	h.mux.HandleFunc("GET /v1/listings/{collection}/{token_id}", h.handleGetListing)
	h.mux.HandleFunc("PATCH /v1/listings/{collection}/{token_id}", h.handleUpdateListing)
	h.mux.HandleFunc("DELETE /v1/listings/{collection}/{token_id}", h.handleCancelListing)
	h.mux.HandleFunc("POST /v1/purchases", h.handleBuyItem)
	h.mux.HandleFunc("GET /v1/proceeds", h.handleGetProceeds)
	h.mux.HandleFunc("POST /v1/proceeds/withdraw", h.handleWithdrawProceeds)
	h.mux.HandleFunc("GET /v1/events", h.handleListEvents)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// caller resolves the authenticated account for a request.
func (h *Handler) caller(r *http.Request) (string, error) {
	if h.grants.Enabled() {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		claims, err := ValidateCallerGrant(token, h.grants)
		if err != nil {
			return "", err
		}
		return claims.AccountID, nil
	}
	account := strings.TrimSpace(r.Header.Get(accountIDHeader))
	if account == "" {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "caller account is required")
	}
	return account, nil
}

func pathAsset(r *http.Request) (domain.AssetRef, error) {
	collection := strings.TrimSpace(r.PathValue("collection"))
	tokenID, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("token_id")), 10, 64)
	if err != nil {
		return domain.AssetRef{}, apperrors.New(apperrors.CodeInvalidArgument, "token_id must be an unsigned integer")
	}
	asset := domain.AssetRef{Collection: collection, TokenID: tokenID}
	if err := asset.Validate(); err != nil {
		return domain.AssetRef{}, err
	}
	return asset, nil
}

func pageParams(r *http.Request) (int, string, error) {
	query := r.URL.Query()
	pageSize := 0
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, "", apperrors.New(apperrors.CodeInvalidArgument, "page_size must be a non-negative integer")
		}
		pageSize = parsed
	}
	return pageSize, strings.TrimSpace(query.Get("page_token")), nil
}

type listingPayload struct {
	Collection string    `json:"collection"`
	TokenID    uint64    `json:"token_id"`
	Seller     string    `json:"seller"`
	Price      uint64    `json:"price"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func listingToPayload(asset domain.AssetRef, listing domain.Listing) listingPayload {
	return listingPayload{
		Collection: asset.Collection,
		TokenID:    asset.TokenID,
		Seller:     listing.Seller,
		Price:      listing.Price,
		CreatedAt:  listing.CreatedAt,
		UpdatedAt:  listing.UpdatedAt,
	}
}

type createListingRequest struct {
	Collection string `json:"collection"`
	TokenID    uint64 `json:"token_id"`
	Price      uint64 `json:"price"`
}

func (h *Handler) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	seller, err := h.caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req createListingRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	asset := domain.AssetRef{Collection: strings.TrimSpace(req.Collection), TokenID: req.TokenID}
	listing, err := h.market.ListItem(httpx.RequestContext(r), seller, asset, req.Price)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusCreated, listingToPayload(asset, listing))
}

func (h *Handler) handleGetListing(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAsset(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	listing, err := h.market.GetListing(httpx.RequestContext(r), asset)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, listingToPayload(asset, listing))
}

type updateListingRequest struct {
	Price uint64 `json:"price"`
}

func (h *Handler) handleUpdateListing(w http.ResponseWriter, r *http.Request) {
	seller, err := h.caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	asset, err := pathAsset(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req updateListingRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	listing, err := h.market.UpdateListing(httpx.RequestContext(r), seller, asset, req.Price)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, listingToPayload(asset, listing))
}

func (h *Handler) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	seller, err := h.caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	asset, err := pathAsset(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if err := h.market.CancelListing(httpx.RequestContext(r), seller, asset); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type browseListingsResponse struct {
	Listings      []listingPayload `json:"listings"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

func (h *Handler) handleBrowseListings(w http.ResponseWriter, r *http.Request) {
	pageSize, pageToken, err := pageParams(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	page, err := h.market.BrowseListings(httpx.RequestContext(r), pageSize, pageToken)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	resp := browseListingsResponse{
		Listings:      make([]listingPayload, 0, len(page.Listings)),
		NextPageToken: page.NextPageToken,
	}
	for _, entry := range page.Listings {
		resp.Listings = append(resp.Listings, listingToPayload(entry.Asset, entry.Listing))
	}
	_ = httpx.WriteJSON(w, http.StatusOK, resp)
}

type buyItemRequest struct {
	Collection string `json:"collection"`
	TokenID    uint64 `json:"token_id"`
	Payment    uint64 `json:"payment"`
}

type buyItemResponse struct {
	Collection string `json:"collection"`
	TokenID    uint64 `json:"token_id"`
	Seller     string `json:"seller"`
	Buyer      string `json:"buyer"`
	Price      uint64 `json:"price"`
}

func (h *Handler) handleBuyItem(w http.ResponseWriter, r *http.Request) {
	buyer, err := h.caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	var req buyItemRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	asset := domain.AssetRef{Collection: strings.TrimSpace(req.Collection), TokenID: req.TokenID}
	settled, err := h.market.BuyItem(httpx.RequestContext(r), buyer, asset, req.Payment)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, buyItemResponse{
		Collection: asset.Collection,
		TokenID:    asset.TokenID,
		Seller:     settled.Seller,
		Buyer:      buyer,
		Price:      settled.Price,
	})
}

type proceedsResponse struct {
	Seller  string `json:"seller"`
	Balance uint64 `json:"balance"`
}

func (h *Handler) handleGetProceeds(w http.ResponseWriter, r *http.Request) {
	seller, err := h.caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	balance, err := h.market.GetProceeds(httpx.RequestContext(r), seller)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, proceedsResponse{Seller: seller, Balance: balance})
}

type withdrawResponse struct {
	Seller string `json:"seller"`
	Amount uint64 `json:"amount"`
}

func (h *Handler) handleWithdrawProceeds(w http.ResponseWriter, r *http.Request) {
	seller, err := h.caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	amount, err := h.market.WithdrawProceeds(httpx.RequestContext(r), seller)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, withdrawResponse{Seller: seller, Amount: amount})
}

type eventPayload struct {
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Collection string    `json:"collection,omitempty"`
	TokenID    uint64    `json:"token_id,omitempty"`
	Actor      string    `json:"actor"`
	Payload    any       `json:"payload"`
}

type listEventsResponse struct {
	Events        []eventPayload `json:"events"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	pageSize, pageToken, err := pageParams(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	page, err := h.market.Events(httpx.RequestContext(r), pageSize, pageToken)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	resp := listEventsResponse{
		Events:        make([]eventPayload, 0, len(page.Events)),
		NextPageToken: page.NextPageToken,
	}
	for _, evt := range page.Events {
		resp.Events = append(resp.Events, eventPayload{
			Seq:        evt.Seq,
			Timestamp:  evt.Timestamp,
			Type:       string(evt.Type),
			Collection: evt.Collection,
			TokenID:    evt.TokenID,
			Actor:      evt.Actor,
			Payload:    rawPayload(evt.PayloadJSON),
		})
	}
	_ = httpx.WriteJSON(w, http.StatusOK, resp)
}

// rawPayload re-emits stored payload JSON without re-encoding it as a string.
func rawPayload(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return jsonRaw(raw)
}

type jsonRaw []byte

func (r jsonRaw) MarshalJSON() ([]byte, error) {
	return []byte(r), nil
}
