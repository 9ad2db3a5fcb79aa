package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of a market event.
type EventType string

// Listing lifecycle events. Updating a listing re-emits item.listed with the
// new price; updates are modeled as re-listing, not a distinct event kind.
const (
	// TypeItemListed records an asset becoming (or re-becoming) for sale.
	TypeItemListed EventType = "item.listed"
	// TypeItemCanceled records a seller retracting a listing.
	TypeItemCanceled EventType = "item.canceled"
	// TypeItemBought records a settled purchase.
	TypeItemBought EventType = "item.bought"
)

// Ledger events.
const (
	// TypeProceedsWithdrawn records a seller withdrawing accumulated proceeds.
	TypeProceedsWithdrawn EventType = "proceeds.withdrawn"
)

// MarketEvent is an immutable entry in the market event journal. Seq is
// assigned by storage on append and is monotonic in commit order.
type MarketEvent struct {
	Seq         uint64
	Timestamp   time.Time
	Type        EventType
	Collection  string
	TokenID     uint64
	Actor       string
	PayloadJSON []byte
}

// ItemListedPayload captures the payload for item.listed events.
type ItemListedPayload struct {
	Seller string `json:"seller"`
	Price  uint64 `json:"price"`
}

// ItemCanceledPayload captures the payload for item.canceled events.
type ItemCanceledPayload struct {
	Seller string `json:"seller"`
}

// ItemBoughtPayload captures the payload for item.bought events.
type ItemBoughtPayload struct {
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Price  uint64 `json:"price"`
}

// ProceedsWithdrawnPayload captures the payload for proceeds.withdrawn events.
type ProceedsWithdrawnPayload struct {
	Seller string `json:"seller"`
	Amount uint64 `json:"amount"`
}

// NewItemListedEvent builds the journal entry for a new or updated listing.
func NewItemListedEvent(asset AssetRef, seller string, price uint64, now time.Time) (MarketEvent, error) {
	return newEvent(TypeItemListed, asset, seller, now, ItemListedPayload{Seller: seller, Price: price})
}

// NewItemCanceledEvent builds the journal entry for a retracted listing.
func NewItemCanceledEvent(asset AssetRef, seller string, now time.Time) (MarketEvent, error) {
	return newEvent(TypeItemCanceled, asset, seller, now, ItemCanceledPayload{Seller: seller})
}

// NewItemBoughtEvent builds the journal entry for a settled purchase.
func NewItemBoughtEvent(asset AssetRef, buyer, seller string, price uint64, now time.Time) (MarketEvent, error) {
	return newEvent(TypeItemBought, asset, buyer, now, ItemBoughtPayload{Buyer: buyer, Seller: seller, Price: price})
}

// NewProceedsWithdrawnEvent builds the journal entry for a completed withdrawal.
func NewProceedsWithdrawnEvent(seller string, amount uint64, now time.Time) (MarketEvent, error) {
	return newEvent(TypeProceedsWithdrawn, AssetRef{}, seller, now, ProceedsWithdrawnPayload{Seller: seller, Amount: amount})
}

func newEvent(eventType EventType, asset AssetRef, actor string, now time.Time, payload any) (MarketEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return MarketEvent{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return MarketEvent{
		Timestamp:   now.UTC(),
		Type:        eventType,
		Collection:  asset.Collection,
		TokenID:     asset.TokenID,
		Actor:       actor,
		PayloadJSON: raw,
	}, nil
}
