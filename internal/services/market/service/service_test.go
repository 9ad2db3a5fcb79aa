package service

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/argylefox/tradepost/internal/platform/errors"
	"github.com/argylefox/tradepost/internal/services/market/assets"
	"github.com/argylefox/tradepost/internal/services/market/domain"
)

const marketOperator = "acct-market"

func newTestMarket(t *testing.T) (*Market, *fakeStore, *assets.MemoryLedger, *assets.MemoryVault) {
	t.Helper()

	store := newFakeStore()
	ledger := assets.NewMemoryLedger()
	vault := assets.NewMemoryVault(1_000_000)
	market := NewMarket(store, ledger, vault, marketOperator)
	market.clock = func() time.Time {
		return time.Date(2026, time.August, 14, 9, 0, 0, 0, time.UTC)
	}
	return market, store, ledger, vault
}

func mintApproved(t *testing.T, ledger *assets.MemoryLedger, asset domain.AssetRef, owner string) {
	t.Helper()

	if err := ledger.Mint(context.Background(), asset, owner); err != nil {
		t.Fatalf("mint %s: %v", asset, err)
	}
	if err := ledger.Approve(context.Background(), asset, owner, marketOperator); err != nil {
		t.Fatalf("approve %s: %v", asset, err)
	}
}

func TestListItemCreatesListing(t *testing.T) {
	t.Parallel()

	market, store, ledger, _ := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 1}
	mintApproved(t, ledger, asset, "acct-seller")

	listing, err := market.ListItem(context.Background(), "acct-seller", asset, 2500)
	if err != nil {
		t.Fatalf("list item: %v", err)
	}
	if listing.Seller != "acct-seller" || listing.Price != 2500 {
		t.Fatalf("listing = %+v, want seller acct-seller price 2500", listing)
	}

	stored, err := market.GetListing(context.Background(), asset)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if stored.Price != 2500 {
		t.Fatalf("stored price = %d, want 2500", stored.Price)
	}
	if got := store.eventTypes(); len(got) != 1 || got[0] != domain.TypeItemListed {
		t.Fatalf("journal = %v, want [item.listed]", got)
	}
}

func TestListItemValidation(t *testing.T) {
	t.Parallel()

	market, _, ledger, _ := newTestMarket(t)
	owned := domain.AssetRef{Collection: "meadow", TokenID: 2}
	mintApproved(t, ledger, owned, "acct-seller")
	unapproved := domain.AssetRef{Collection: "meadow", TokenID: 3}
	if err := ledger.Mint(context.Background(), unapproved, "acct-seller"); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := market.ListItem(context.Background(), "acct-seller", owned, 0); !errors.Is(err, domain.ErrPriceMustBeAboveZero) {
		t.Fatalf("zero price error = %v, want %v", err, domain.ErrPriceMustBeAboveZero)
	}
	if _, err := market.ListItem(context.Background(), "acct-other", owned, 100); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("non-owner error = %v, want %v", err, domain.ErrNotOwner)
	}
	if _, err := market.ListItem(context.Background(), "acct-seller", unapproved, 100); !errors.Is(err, domain.ErrNotApproved) {
		t.Fatalf("unapproved error = %v, want %v", err, domain.ErrNotApproved)
	}

	if _, err := market.ListItem(context.Background(), "acct-seller", owned, 100); err != nil {
		t.Fatalf("list item: %v", err)
	}
	if _, err := market.ListItem(context.Background(), "acct-seller", owned, 200); !errors.Is(err, domain.ErrAlreadyListed) {
		t.Fatalf("relist error = %v, want %v", err, domain.ErrAlreadyListed)
	}
}

func TestListItemSucceedsAfterCancelAndAfterSale(t *testing.T) {
	t.Parallel()

	market, _, ledger, _ := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 20}
	mintApproved(t, ledger, asset, "acct-seller")

	if _, err := market.ListItem(context.Background(), "acct-seller", asset, 100); err != nil {
		t.Fatalf("list item: %v", err)
	}
	if err := market.CancelListing(context.Background(), "acct-seller", asset); err != nil {
		t.Fatalf("cancel listing: %v", err)
	}
	if _, err := market.ListItem(context.Background(), "acct-seller", asset, 150); err != nil {
		t.Fatalf("relist after cancel: %v", err)
	}

	if _, err := market.BuyItem(context.Background(), "acct-buyer", asset, 150); err != nil {
		t.Fatalf("buy item: %v", err)
	}
	// The new owner can list the asset again once they approve the market.
	if err := ledger.Approve(context.Background(), asset, "acct-buyer", marketOperator); err != nil {
		t.Fatalf("approve: %v", err)
	}
	listing, err := market.ListItem(context.Background(), "acct-buyer", asset, 400)
	if err != nil {
		t.Fatalf("relist after sale: %v", err)
	}
	if listing.Seller != "acct-buyer" {
		t.Fatalf("seller = %q, want acct-buyer", listing.Seller)
	}
}

func TestUpdateListing(t *testing.T) {
	t.Parallel()

	market, _, ledger, _ := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 4}
	mintApproved(t, ledger, asset, "acct-seller")
	if _, err := market.ListItem(context.Background(), "acct-seller", asset, 100); err != nil {
		t.Fatalf("list item: %v", err)
	}

	updated, err := market.UpdateListing(context.Background(), "acct-seller", asset, 450)
	if err != nil {
		t.Fatalf("update listing: %v", err)
	}
	if updated.Price != 450 {
		t.Fatalf("updated price = %d, want 450", updated.Price)
	}

	if _, err := market.UpdateListing(context.Background(), "acct-other", asset, 999); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("non-owner update error = %v, want %v", err, domain.ErrNotOwner)
	}
	if _, err := market.UpdateListing(context.Background(), "acct-seller", asset, 0); !errors.Is(err, domain.ErrPriceMustBeAboveZero) {
		t.Fatalf("zero price update error = %v, want %v", err, domain.ErrPriceMustBeAboveZero)
	}
	missing := domain.AssetRef{Collection: "meadow", TokenID: 99}
	if _, err := market.UpdateListing(context.Background(), "acct-seller", missing, 100); !errors.Is(err, domain.ErrNotListed) {
		t.Fatalf("missing update error = %v, want %v", err, domain.ErrNotListed)
	}
}

func TestCancelListing(t *testing.T) {
	t.Parallel()

	market, store, ledger, _ := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 5}
	mintApproved(t, ledger, asset, "acct-seller")
	if _, err := market.ListItem(context.Background(), "acct-seller", asset, 100); err != nil {
		t.Fatalf("list item: %v", err)
	}

	if err := market.CancelListing(context.Background(), "acct-other", asset); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("non-owner cancel error = %v, want %v", err, domain.ErrNotOwner)
	}
	if err := market.CancelListing(context.Background(), "acct-seller", asset); err != nil {
		t.Fatalf("cancel listing: %v", err)
	}
	if _, err := market.GetListing(context.Background(), asset); !errors.Is(err, domain.ErrNotListed) {
		t.Fatalf("get after cancel error = %v, want %v", err, domain.ErrNotListed)
	}
	if err := market.CancelListing(context.Background(), "acct-seller", asset); !errors.Is(err, domain.ErrNotListed) {
		t.Fatalf("second cancel error = %v, want %v", err, domain.ErrNotListed)
	}
	if got := store.eventTypes(); len(got) != 2 || got[1] != domain.TypeItemCanceled {
		t.Fatalf("journal = %v, want [item.listed item.canceled]", got)
	}
}

func TestBuyItemSettlesAndTransfers(t *testing.T) {
	t.Parallel()

	market, store, ledger, _ := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 6}
	mintApproved(t, ledger, asset, "acct-seller")
	if _, err := market.ListItem(context.Background(), "acct-seller", asset, 4000); err != nil {
		t.Fatalf("list item: %v", err)
	}

	settled, err := market.BuyItem(context.Background(), "acct-buyer", asset, 4000)
	if err != nil {
		t.Fatalf("buy item: %v", err)
	}
	if settled.Seller != "acct-seller" || settled.Price != 4000 {
		t.Fatalf("settled = %+v, want seller acct-seller price 4000", settled)
	}

	owner, err := ledger.OwnerOf(context.Background(), asset)
	if err != nil {
		t.Fatalf("owner of: %v", err)
	}
	if owner != "acct-buyer" {
		t.Fatalf("owner = %q, want acct-buyer", owner)
	}
	balance, err := market.GetProceeds(context.Background(), "acct-seller")
	if err != nil {
		t.Fatalf("get proceeds: %v", err)
	}
	if balance != 4000 {
		t.Fatalf("proceeds = %d, want 4000", balance)
	}
	if _, err := market.GetListing(context.Background(), asset); !errors.Is(err, domain.ErrNotListed) {
		t.Fatalf("get after buy error = %v, want %v", err, domain.ErrNotListed)
	}
	if got := store.eventTypes(); len(got) != 2 || got[1] != domain.TypeItemBought {
		t.Fatalf("journal = %v, want [item.listed item.bought]", got)
	}
}

func TestBuyItemRejectsInsufficientPayment(t *testing.T) {
	t.Parallel()

	market, _, ledger, _ := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 7}
	mintApproved(t, ledger, asset, "acct-seller")
	if _, err := market.ListItem(context.Background(), "acct-seller", asset, 4000); err != nil {
		t.Fatalf("list item: %v", err)
	}

	_, err := market.BuyItem(context.Background(), "acct-buyer", asset, 3999)
	if apperrors.CodeOf(err) != apperrors.CodePriceNotEnough {
		t.Fatalf("underpay error code = %q, want %q", apperrors.CodeOf(err), apperrors.CodePriceNotEnough)
	}

	// The listing survives a rejected purchase.
	if _, err := market.GetListing(context.Background(), asset); err != nil {
		t.Fatalf("get listing after rejected buy: %v", err)
	}
}

func TestBuyItemUnlistedAsset(t *testing.T) {
	t.Parallel()

	market, _, _, _ := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 8}

	if _, err := market.BuyItem(context.Background(), "acct-buyer", asset, 100); !errors.Is(err, domain.ErrNotListed) {
		t.Fatalf("unlisted buy error = %v, want %v", err, domain.ErrNotListed)
	}
}

func TestBuyItemRollsBackOnTransferFailure(t *testing.T) {
	t.Parallel()

	market, store, ledger, _ := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 9}
	mintApproved(t, ledger, asset, "acct-seller")
	if _, err := market.ListItem(context.Background(), "acct-seller", asset, 500); err != nil {
		t.Fatalf("list item: %v", err)
	}

	// Move the asset out from under the listing so TransferFrom fails.
	if err := ledger.TransferFrom(context.Background(), asset, "acct-seller", "acct-elsewhere"); err != nil {
		t.Fatalf("sidestep transfer: %v", err)
	}

	_, err := market.BuyItem(context.Background(), "acct-buyer", asset, 500)
	if apperrors.CodeOf(err) != apperrors.CodeTransferFailed {
		t.Fatalf("failed transfer error code = %q, want %q", apperrors.CodeOf(err), apperrors.CodeTransferFailed)
	}

	// Settlement was compensated: listing restored, no credit retained.
	restored, err := market.GetListing(context.Background(), asset)
	if err != nil {
		t.Fatalf("get restored listing: %v", err)
	}
	if restored.Price != 500 {
		t.Fatalf("restored price = %d, want 500", restored.Price)
	}
	balance, err := market.GetProceeds(context.Background(), "acct-seller")
	if err != nil {
		t.Fatalf("get proceeds: %v", err)
	}
	if balance != 0 {
		t.Fatalf("proceeds = %d, want 0", balance)
	}
	if got := store.eventTypes(); len(got) != 1 || got[0] != domain.TypeItemListed {
		t.Fatalf("journal = %v, want [item.listed]", got)
	}
}

func TestBuyItemReentrantPurchaseSeesConsumedListing(t *testing.T) {
	t.Parallel()

	market, _, ledger, _ := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 10}
	mintApproved(t, ledger, asset, "acct-seller")
	if _, err := market.ListItem(context.Background(), "acct-seller", asset, 500); err != nil {
		t.Fatalf("list item: %v", err)
	}

	// A registry that re-enters BuyItem while the first purchase's external
	// transfer is still in flight. The nested call must observe the listing
	// already consumed.
	reentrant := &reentrantRegistry{Registry: ledger}
	market.registry = reentrant
	reentrant.onTransfer = func(ctx context.Context) error {
		_, err := market.BuyItem(ctx, "acct-mallory", asset, 500)
		if !errors.Is(err, domain.ErrNotListed) {
			t.Errorf("reentrant buy error = %v, want %v", err, domain.ErrNotListed)
		}
		return nil
	}

	if _, err := market.BuyItem(context.Background(), "acct-buyer", asset, 500); err != nil {
		t.Fatalf("buy item: %v", err)
	}
	owner, err := ledger.OwnerOf(context.Background(), asset)
	if err != nil {
		t.Fatalf("owner of: %v", err)
	}
	if owner != "acct-buyer" {
		t.Fatalf("owner = %q, want acct-buyer", owner)
	}
}

func TestWithdrawProceeds(t *testing.T) {
	t.Parallel()

	market, store, ledger, vault := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 11}
	mintApproved(t, ledger, asset, "acct-seller")
	if _, err := market.ListItem(context.Background(), "acct-seller", asset, 900); err != nil {
		t.Fatalf("list item: %v", err)
	}
	if _, err := market.BuyItem(context.Background(), "acct-buyer", asset, 900); err != nil {
		t.Fatalf("buy item: %v", err)
	}

	amount, err := market.WithdrawProceeds(context.Background(), "acct-seller")
	if err != nil {
		t.Fatalf("withdraw proceeds: %v", err)
	}
	if amount != 900 {
		t.Fatalf("withdrawn = %d, want 900", amount)
	}
	if got := vault.Paid("acct-seller"); got != 900 {
		t.Fatalf("paid = %d, want 900", got)
	}
	if _, err := market.WithdrawProceeds(context.Background(), "acct-seller"); !errors.Is(err, domain.ErrNoProceeds) {
		t.Fatalf("second withdraw error = %v, want %v", err, domain.ErrNoProceeds)
	}
	if got := store.eventTypes(); len(got) != 3 || got[2] != domain.TypeProceedsWithdrawn {
		t.Fatalf("journal = %v, want proceeds.withdrawn last", got)
	}
}

func TestWithdrawProceedsRestoresBalanceOnPayOutFailure(t *testing.T) {
	t.Parallel()

	market, _, ledger, vault := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 12}
	mintApproved(t, ledger, asset, "acct-seller")
	if _, err := market.ListItem(context.Background(), "acct-seller", asset, 700); err != nil {
		t.Fatalf("list item: %v", err)
	}
	if _, err := market.BuyItem(context.Background(), "acct-buyer", asset, 700); err != nil {
		t.Fatalf("buy item: %v", err)
	}

	// Drain the treasury float so the pay-out fails.
	drained := assets.NewMemoryVault(0)
	market.treasury = drained

	_, err := market.WithdrawProceeds(context.Background(), "acct-seller")
	if apperrors.CodeOf(err) != apperrors.CodeTransferFailed {
		t.Fatalf("failed pay-out error code = %q, want %q", apperrors.CodeOf(err), apperrors.CodeTransferFailed)
	}
	balance, err := market.GetProceeds(context.Background(), "acct-seller")
	if err != nil {
		t.Fatalf("get proceeds: %v", err)
	}
	if balance != 700 {
		t.Fatalf("proceeds after restore = %d, want 700", balance)
	}
	if got := vault.Paid("acct-seller"); got != 0 {
		t.Fatalf("paid = %d, want 0", got)
	}
}

func TestWithdrawProceedsReentrantCallSeesZeroBalance(t *testing.T) {
	t.Parallel()

	market, _, ledger, _ := newTestMarket(t)
	asset := domain.AssetRef{Collection: "meadow", TokenID: 13}
	mintApproved(t, ledger, asset, "acct-seller")
	if _, err := market.ListItem(context.Background(), "acct-seller", asset, 300); err != nil {
		t.Fatalf("list item: %v", err)
	}
	if _, err := market.BuyItem(context.Background(), "acct-buyer", asset, 300); err != nil {
		t.Fatalf("buy item: %v", err)
	}

	// A treasury that re-enters WithdrawProceeds while the first pay-out is
	// still in flight. The nested call must find nothing to withdraw.
	reentrant := &reentrantTreasury{Treasury: assets.NewMemoryVault(1_000)}
	market.treasury = reentrant
	reentrant.onPayOut = func(ctx context.Context) error {
		_, err := market.WithdrawProceeds(ctx, "acct-seller")
		if !errors.Is(err, domain.ErrNoProceeds) {
			t.Errorf("reentrant withdraw error = %v, want %v", err, domain.ErrNoProceeds)
		}
		return nil
	}

	amount, err := market.WithdrawProceeds(context.Background(), "acct-seller")
	if err != nil {
		t.Fatalf("withdraw proceeds: %v", err)
	}
	if amount != 300 {
		t.Fatalf("withdrawn = %d, want 300", amount)
	}
}

func TestBrowseListingsDelegatesPagination(t *testing.T) {
	t.Parallel()

	market, _, ledger, _ := newTestMarket(t)
	for tokenID := uint64(1); tokenID <= 3; tokenID++ {
		asset := domain.AssetRef{Collection: "brook", TokenID: tokenID}
		mintApproved(t, ledger, asset, "acct-seller")
		if _, err := market.ListItem(context.Background(), "acct-seller", asset, 100); err != nil {
			t.Fatalf("list item %s: %v", asset, err)
		}
	}

	page, err := market.BrowseListings(context.Background(), 2, "")
	if err != nil {
		t.Fatalf("browse listings: %v", err)
	}
	if len(page.Listings) != 2 {
		t.Fatalf("page size = %d, want 2", len(page.Listings))
	}
	if page.NextPageToken == "" {
		t.Fatal("expected next page token")
	}

	rest, err := market.BrowseListings(context.Background(), 2, page.NextPageToken)
	if err != nil {
		t.Fatalf("browse second page: %v", err)
	}
	if len(rest.Listings) != 1 {
		t.Fatalf("second page size = %d, want 1", len(rest.Listings))
	}
}

// reentrantRegistry wraps a Registry and invokes a callback before the real
// transfer, mimicking an asset contract that calls back into the market.
type reentrantRegistry struct {
	assets.Registry
	onTransfer func(ctx context.Context) error
}

func (r *reentrantRegistry) TransferFrom(ctx context.Context, asset domain.AssetRef, from, to string) error {
	if r.onTransfer != nil {
		callback := r.onTransfer
		r.onTransfer = nil
		if err := callback(ctx); err != nil {
			return err
		}
	}
	return r.Registry.TransferFrom(ctx, asset, from, to)
}

// reentrantTreasury wraps a Treasury the same way for pay-outs.
type reentrantTreasury struct {
	assets.Treasury
	onPayOut func(ctx context.Context) error
}

func (r *reentrantTreasury) PayOut(ctx context.Context, account string, amount uint64) error {
	if r.onPayOut != nil {
		callback := r.onPayOut
		r.onPayOut = nil
		if err := callback(ctx); err != nil {
			return err
		}
	}
	return r.Treasury.PayOut(ctx, account, amount)
}
