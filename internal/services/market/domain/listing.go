package domain

import (
	"math"
	"strings"
	"time"

	apperrors "github.com/argylefox/tradepost/internal/platform/errors"
)

// MaxPrice is the largest listing price the ledger stores losslessly.
// SQLite integers are signed 64-bit, so larger prices would not round-trip.
const MaxPrice = math.MaxInt64

// Listing marks an asset as for sale by a seller at a price, denominated in
// the currency's smallest unit. A price of zero is the tombstone: the row
// may exist in storage, but the asset is not for sale.
type Listing struct {
	Seller    string
	Price     uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the listing offers the asset for sale.
func (l Listing) Active() bool {
	return l.Price > 0
}

// Marketplace precondition failures. Each carries a stable machine-readable
// code; operations reject with exactly one of these and leave no state change.
var (
	// ErrPriceMustBeAboveZero rejects listings and updates priced at zero.
	ErrPriceMustBeAboveZero = apperrors.New(apperrors.CodePriceMustBeAboveZero, "listing price must be above zero")
	// ErrNotOwner rejects calls by anyone other than the asset owner or listing seller.
	ErrNotOwner = apperrors.New(apperrors.CodeNotOwner, "caller does not own the asset")
	// ErrAlreadyListed rejects listing an asset that has an active listing.
	ErrAlreadyListed = apperrors.New(apperrors.CodeAlreadyListed, "asset is already listed")
	// ErrNotListed rejects operations on an asset with no active listing.
	ErrNotListed = apperrors.New(apperrors.CodeNotListed, "asset is not listed")
	// ErrNotApproved rejects listings when the marketplace lacks transfer authorization.
	ErrNotApproved = apperrors.New(apperrors.CodeNotApproved, "marketplace is not approved to transfer the asset")
	// ErrPriceNotEnough rejects purchases paying less than the listing price.
	ErrPriceNotEnough = apperrors.New(apperrors.CodePriceNotEnough, "payment does not meet the listing price")
	// ErrNoProceeds rejects withdrawals on a zero balance.
	ErrNoProceeds = apperrors.New(apperrors.CodeNoProceeds, "no proceeds to withdraw")
	// ErrProceedsOverflow rejects credits that would overflow a seller balance.
	ErrProceedsOverflow = apperrors.New(apperrors.CodeProceedsOverflow, "crediting proceeds would overflow the balance")
	// ErrTransferFailed reports a failed external transfer; internal state is restored.
	ErrTransferFailed = apperrors.New(apperrors.CodeTransferFailed, "external transfer failed")
)

// NewListing validates inputs and builds an active listing.
func NewListing(seller string, price uint64, now time.Time) (Listing, error) {
	if strings.TrimSpace(seller) == "" {
		return Listing{}, apperrors.New(apperrors.CodeInvalidArgument, "seller identity is required")
	}
	if price == 0 {
		return Listing{}, ErrPriceMustBeAboveZero
	}
	if price > MaxPrice {
		return Listing{}, apperrors.New(apperrors.CodeInvalidArgument, "listing price exceeds the supported range")
	}
	now = now.UTC()
	return Listing{
		Seller:    seller,
		Price:     price,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ValidatePrice checks a price for an update, applying the same bounds as
// NewListing without constructing a listing.
func ValidatePrice(price uint64) error {
	if price == 0 {
		return ErrPriceMustBeAboveZero
	}
	if price > MaxPrice {
		return apperrors.New(apperrors.CodeInvalidArgument, "listing price exceeds the supported range")
	}
	return nil
}
