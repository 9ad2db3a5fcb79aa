// Package service implements the marketplace operations over the listing
// registry, the proceeds ledger, and the external asset collaborators.
//
// Every operation that ends in an external transfer follows the same
// discipline: validate, commit the state change, then call out. A failed
// call-out is compensated with an additive reversal, so a reentrant request
// arriving mid-operation always observes fully settled state.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/argylefox/tradepost/internal/platform/errors"
	"github.com/argylefox/tradepost/internal/services/market/assets"
	"github.com/argylefox/tradepost/internal/services/market/domain"
	"github.com/argylefox/tradepost/internal/services/market/storage"
)

const (
	defaultListPageSize = 10
	maxListPageSize     = 100
)

// Market executes marketplace operations.
type Market struct {
	store    storage.MarketStore
	registry assets.Registry
	treasury assets.Treasury
	// operator is the marketplace's own account, the one sellers approve
	// for transfers on the asset registry.
	operator string
	clock    func() time.Time
}

// NewMarket creates a marketplace backed by store and the asset collaborators.
func NewMarket(store storage.MarketStore, registry assets.Registry, treasury assets.Treasury, operator string) *Market {
	return &Market{
		store:    store,
		registry: registry,
		treasury: treasury,
		operator: operator,
		clock:    time.Now,
	}
}

func (m *Market) now() time.Time {
	if m.clock != nil {
		return m.clock().UTC()
	}
	return time.Now().UTC()
}

func (m *Market) ready() error {
	if m == nil || m.store == nil {
		return apperrors.New(apperrors.CodeUnknown, "market store is not configured")
	}
	if m.registry == nil {
		return apperrors.New(apperrors.CodeUnknown, "asset registry is not configured")
	}
	if m.treasury == nil {
		return apperrors.New(apperrors.CodeUnknown, "treasury is not configured")
	}
	return nil
}

func validateActor(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, name+" is required")
	}
	return trimmed, nil
}

// ListItem puts seller's asset up for sale at price. The seller must own the
// asset on the registry and must have approved the marketplace operator for
// transfer; the asset itself stays in the seller's custody.
func (m *Market) ListItem(ctx context.Context, seller string, asset domain.AssetRef, price uint64) (domain.Listing, error) {
	if err := m.ready(); err != nil {
		return domain.Listing{}, err
	}
	seller, err := validateActor("seller", seller)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := asset.Validate(); err != nil {
		return domain.Listing{}, err
	}

	owner, err := m.registry.OwnerOf(ctx, asset)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("resolve owner of %s: %w", asset, err)
	}
	if owner != seller {
		return domain.Listing{}, domain.ErrNotOwner
	}
	approved, err := m.registry.IsApprovedForTransfer(ctx, asset, m.operator)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("check approval for %s: %w", asset, err)
	}
	if !approved {
		return domain.Listing{}, domain.ErrNotApproved
	}

	listing, err := domain.NewListing(seller, price, m.now())
	if err != nil {
		return domain.Listing{}, err
	}
	evt, err := domain.NewItemListedEvent(asset, seller, price, listing.CreatedAt)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := m.store.CreateListing(ctx, asset, listing, evt); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return domain.Listing{}, domain.ErrAlreadyListed
		}
		return domain.Listing{}, fmt.Errorf("create listing for %s: %w", asset, err)
	}
	return listing, nil
}

// UpdateListing replaces the price of seller's active listing.
func (m *Market) UpdateListing(ctx context.Context, seller string, asset domain.AssetRef, price uint64) (domain.Listing, error) {
	if err := m.ready(); err != nil {
		return domain.Listing{}, err
	}
	seller, err := validateActor("seller", seller)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := asset.Validate(); err != nil {
		return domain.Listing{}, err
	}
	if err := domain.ValidatePrice(price); err != nil {
		return domain.Listing{}, err
	}

	now := m.now()
	evt, err := domain.NewItemListedEvent(asset, seller, price, now)
	if err != nil {
		return domain.Listing{}, err
	}
	listing, err := m.store.UpdateListingPrice(ctx, asset, seller, price, now, evt)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return domain.Listing{}, domain.ErrNotListed
		case errors.Is(err, storage.ErrConflict):
			return domain.Listing{}, domain.ErrNotOwner
		}
		return domain.Listing{}, fmt.Errorf("update listing for %s: %w", asset, err)
	}
	return listing, nil
}

// CancelListing retracts seller's active listing.
func (m *Market) CancelListing(ctx context.Context, seller string, asset domain.AssetRef) error {
	if err := m.ready(); err != nil {
		return err
	}
	seller, err := validateActor("seller", seller)
	if err != nil {
		return err
	}
	if err := asset.Validate(); err != nil {
		return err
	}

	now := m.now()
	evt, err := domain.NewItemCanceledEvent(asset, seller, now)
	if err != nil {
		return err
	}
	if err := m.store.TombstoneListing(ctx, asset, seller, now, evt); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return domain.ErrNotListed
		case errors.Is(err, storage.ErrConflict):
			return domain.ErrNotOwner
		}
		return fmt.Errorf("cancel listing for %s: %w", asset, err)
	}
	return nil
}

// BuyItem purchases the listed asset for buyer. The payment must cover the
// listing price exactly as quoted; the listing is consumed and the seller is
// credited before the asset moves, and the purchase is rolled back if the
// asset transfer fails.
func (m *Market) BuyItem(ctx context.Context, buyer string, asset domain.AssetRef, payment uint64) (domain.Listing, error) {
	if err := m.ready(); err != nil {
		return domain.Listing{}, err
	}
	buyer, err := validateActor("buyer", buyer)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := asset.Validate(); err != nil {
		return domain.Listing{}, err
	}

	quoted, err := m.store.GetListing(ctx, asset)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Listing{}, domain.ErrNotListed
		}
		return domain.Listing{}, fmt.Errorf("get listing for %s: %w", asset, err)
	}
	if payment < quoted.Price {
		return domain.Listing{}, apperrors.WithMetadata(
			apperrors.CodePriceNotEnough,
			"payment does not cover the listing price",
			map[string]string{
				"asset":   asset.String(),
				"price":   fmt.Sprintf("%d", quoted.Price),
				"payment": fmt.Sprintf("%d", payment),
			},
		)
	}

	now := m.now()
	settled, err := m.store.SettlePurchase(ctx, asset, quoted.Price, now)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return domain.Listing{}, domain.ErrNotListed
		case errors.Is(err, storage.ErrConflict):
			// Price moved between quote and settlement.
			return domain.Listing{}, apperrors.WithMetadata(
				apperrors.CodePriceNotEnough,
				"listing price changed before settlement",
				map[string]string{"asset": asset.String()},
			)
		case errors.Is(err, storage.ErrOverflow):
			return domain.Listing{}, domain.ErrProceedsOverflow
		}
		return domain.Listing{}, fmt.Errorf("settle purchase of %s: %w", asset, err)
	}

	if err := m.registry.TransferFrom(ctx, asset, settled.Seller, buyer); err != nil {
		if undoErr := m.store.UndoSettlement(ctx, asset, settled, m.now()); undoErr != nil {
			return domain.Listing{}, fmt.Errorf("undo settlement of %s after transfer failure: %w", asset, undoErr)
		}
		return domain.Listing{}, apperrors.Wrap(apperrors.CodeTransferFailed, "asset transfer failed", err)
	}

	evt, err := domain.NewItemBoughtEvent(asset, buyer, settled.Seller, settled.Price, now)
	if err != nil {
		return settled, err
	}
	if _, err := m.store.AppendEvent(ctx, evt); err != nil {
		// The purchase is complete; a journal gap is preferable to
		// re-running the transfer.
		return settled, fmt.Errorf("journal purchase of %s: %w", asset, err)
	}
	return settled, nil
}

// WithdrawProceeds pays seller's accumulated proceeds out through the
// treasury. The balance is zeroed before the pay-out and restored additively
// if the pay-out fails.
func (m *Market) WithdrawProceeds(ctx context.Context, seller string) (uint64, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	seller, err := validateActor("seller", seller)
	if err != nil {
		return 0, err
	}

	now := m.now()
	amount, err := m.store.BeginWithdrawal(ctx, seller, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, domain.ErrNoProceeds
		}
		return 0, fmt.Errorf("begin withdrawal for %s: %w", seller, err)
	}

	if err := m.treasury.PayOut(ctx, seller, amount); err != nil {
		if restoreErr := m.store.RestoreProceeds(ctx, seller, amount, m.now()); restoreErr != nil {
			return 0, fmt.Errorf("restore proceeds for %s after pay-out failure: %w", seller, restoreErr)
		}
		return 0, apperrors.Wrap(apperrors.CodeTransferFailed, "proceeds pay-out failed", err)
	}

	evt, err := domain.NewProceedsWithdrawnEvent(seller, amount, now)
	if err != nil {
		return amount, err
	}
	if _, err := m.store.AppendEvent(ctx, evt); err != nil {
		return amount, fmt.Errorf("journal withdrawal for %s: %w", seller, err)
	}
	return amount, nil
}

// GetListing returns the active listing for asset.
func (m *Market) GetListing(ctx context.Context, asset domain.AssetRef) (domain.Listing, error) {
	if err := m.ready(); err != nil {
		return domain.Listing{}, err
	}
	if err := asset.Validate(); err != nil {
		return domain.Listing{}, err
	}

	listing, err := m.store.GetListing(ctx, asset)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Listing{}, domain.ErrNotListed
		}
		return domain.Listing{}, fmt.Errorf("get listing for %s: %w", asset, err)
	}
	return listing, nil
}

// GetProceeds returns seller's withdrawable balance.
func (m *Market) GetProceeds(ctx context.Context, seller string) (uint64, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	seller, err := validateActor("seller", seller)
	if err != nil {
		return 0, err
	}
	balance, err := m.store.GetProceeds(ctx, seller)
	if err != nil {
		return 0, fmt.Errorf("get proceeds for %s: %w", seller, err)
	}
	return balance, nil
}

// BrowseListings returns one page of active listings.
func (m *Market) BrowseListings(ctx context.Context, pageSize int, pageToken string) (storage.ListingPage, error) {
	if err := m.ready(); err != nil {
		return storage.ListingPage{}, err
	}
	page, err := m.store.ListListings(ctx, clampPageSize(pageSize), pageToken)
	if err != nil {
		return storage.ListingPage{}, fmt.Errorf("browse listings: %w", err)
	}
	return page, nil
}

// Events returns one page of the market event journal in commit order.
func (m *Market) Events(ctx context.Context, pageSize int, pageToken string) (storage.EventPage, error) {
	if err := m.ready(); err != nil {
		return storage.EventPage{}, err
	}
	page, err := m.store.ListMarketEvents(ctx, clampPageSize(pageSize), pageToken)
	if err != nil {
		return storage.EventPage{}, fmt.Errorf("list market events: %w", err)
	}
	return page, nil
}

func clampPageSize(pageSize int) int {
	if pageSize <= 0 {
		return defaultListPageSize
	}
	if pageSize > maxListPageSize {
		return maxListPageSize
	}
	return pageSize
}
