// Package storage defines persistence contracts for marketplace state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/argylefox/tradepost/internal/services/market/domain"
)

var (
	// ErrNotFound indicates a requested record is missing or tombstoned.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConflict indicates a conditional write found different state than expected.
	ErrConflict = errors.New("record changed concurrently")
	// ErrOverflow indicates a credit would push a balance past the storable range.
	ErrOverflow = errors.New("balance would overflow")
)

// ListedAsset pairs an asset reference with its active listing.
type ListedAsset struct {
	Asset   domain.AssetRef
	Listing domain.Listing
}

// ListingPage holds one page of active listings.
type ListingPage struct {
	Listings      []ListedAsset
	NextPageToken string
}

// EventPage holds one page of journal entries.
type EventPage struct {
	Events        []domain.MarketEvent
	NextPageToken string
}

// MarketStore persists marketplace state: the listing registry, the proceeds
// ledger, and the market event journal. Registry and ledger writes caused by
// one call are applied in a single transaction; no caller can observe a
// half-applied pair. Operations that take an event append it in the same
// transaction as the state change. Operations followed by an external
// transfer (settlement, withdrawal) journal nothing themselves; the caller
// appends the event once the transfer succeeds.
type MarketStore interface {
	// CreateListing inserts an active listing, replacing a tombstone row if
	// one exists. Returns ErrAlreadyExists when an active listing is present.
	CreateListing(ctx context.Context, asset domain.AssetRef, listing domain.Listing, evt domain.MarketEvent) error
	// GetListing returns the active listing for asset, or ErrNotFound when
	// the asset is unlisted or tombstoned.
	GetListing(ctx context.Context, asset domain.AssetRef) (domain.Listing, error)
	// UpdateListingPrice replaces the price of seller's active listing.
	// Returns ErrNotFound when no active listing exists and ErrConflict when
	// the active listing belongs to a different seller.
	UpdateListingPrice(ctx context.Context, asset domain.AssetRef, seller string, price uint64, now time.Time, evt domain.MarketEvent) (domain.Listing, error)
	// TombstoneListing logically deletes seller's active listing. Error
	// contract matches UpdateListingPrice.
	TombstoneListing(ctx context.Context, asset domain.AssetRef, seller string, now time.Time, evt domain.MarketEvent) error
	// SettlePurchase consumes the active listing and credits its price to
	// the seller's proceeds balance, atomically. Returns the listing that was
	// consumed. Returns ErrNotFound when no active listing exists,
	// ErrConflict when the listing price no longer equals expectedPrice, and
	// ErrOverflow when crediting would overflow the seller's balance.
	SettlePurchase(ctx context.Context, asset domain.AssetRef, expectedPrice uint64, now time.Time) (domain.Listing, error)
	// UndoSettlement reverses SettlePurchase after a failed external asset
	// transfer: restores the listing and debits the credited proceeds.
	UndoSettlement(ctx context.Context, asset domain.AssetRef, listing domain.Listing, now time.Time) error
	// BeginWithdrawal zeroes seller's proceeds balance and returns the amount
	// that was held. Returns ErrNotFound when the balance is zero.
	BeginWithdrawal(ctx context.Context, seller string, now time.Time) (uint64, error)
	// RestoreProceeds credits amount back after a failed pay-out. The credit
	// is additive so a concurrent sale credit is never clobbered.
	RestoreProceeds(ctx context.Context, seller string, amount uint64, now time.Time) error
	// GetProceeds returns seller's withdrawable balance; zero when unknown.
	GetProceeds(ctx context.Context, seller string) (uint64, error)
	// AppendEvent appends one journal entry and returns its sequence number.
	AppendEvent(ctx context.Context, evt domain.MarketEvent) (uint64, error)
	// ListListings returns one page of active listings ordered by asset.
	ListListings(ctx context.Context, pageSize int, pageToken string) (ListingPage, error)
	// ListMarketEvents returns one page of journal entries in commit order.
	ListMarketEvents(ctx context.Context, pageSize int, pageToken string) (EventPage, error)
}
