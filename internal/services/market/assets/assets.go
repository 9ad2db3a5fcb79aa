// Package assets defines the marketplace's external collaborators: the asset
// registry that tracks ownership and the treasury that pays sellers out.
// The marketplace never takes custody of assets; it only checks approval up
// front and calls TransferFrom after a purchase settles.
package assets

import (
	"context"

	"github.com/argylefox/tradepost/internal/services/market/domain"
)

// Registry exposes the ownership ledger the marketplace trades against.
type Registry interface {
	// OwnerOf returns the account holding asset.
	OwnerOf(ctx context.Context, asset domain.AssetRef) (string, error)
	// IsApprovedForTransfer reports whether operator may move asset on the
	// owner's behalf.
	IsApprovedForTransfer(ctx context.Context, asset domain.AssetRef, operator string) (bool, error)
	// TransferFrom moves asset from one account to another. The caller must
	// hold a transfer approval from the current owner.
	TransferFrom(ctx context.Context, asset domain.AssetRef, from, to string) error
}

// Treasury pays withdrawn proceeds out to seller accounts.
type Treasury interface {
	// PayOut sends amount to account. A returned error means no funds moved.
	PayOut(ctx context.Context, account string, amount uint64) error
}
