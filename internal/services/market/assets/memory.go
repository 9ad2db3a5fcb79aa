package assets

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/argylefox/tradepost/internal/platform/errors"
	"github.com/argylefox/tradepost/internal/services/market/domain"
)

// MemoryLedger is an in-process Registry used for development and tests.
// Approvals are per-asset and cleared on transfer, matching the behavior of
// the on-chain registries the marketplace fronts in production.
type MemoryLedger struct {
	mu        sync.Mutex
	owners    map[domain.AssetRef]string
	approvals map[domain.AssetRef]string
}

// NewMemoryLedger returns an empty in-memory ownership ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		owners:    make(map[domain.AssetRef]string),
		approvals: make(map[domain.AssetRef]string),
	}
}

// Mint records owner as the holder of a new asset.
func (l *MemoryLedger) Mint(ctx context.Context, asset domain.AssetRef, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := asset.Validate(); err != nil {
		return err
	}
	if owner == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "owner is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.owners[asset]; ok {
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("asset %s already minted", asset))
	}
	l.owners[asset] = owner
	return nil
}

// Approve grants operator the right to transfer asset on the owner's behalf.
func (l *MemoryLedger) Approve(ctx context.Context, asset domain.AssetRef, owner, operator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.owners[asset]
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("asset %s is not minted", asset))
	}
	if current != owner {
		return domain.ErrNotOwner
	}
	l.approvals[asset] = operator
	return nil
}

// OwnerOf returns the account holding asset.
func (l *MemoryLedger) OwnerOf(ctx context.Context, asset domain.AssetRef) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[asset]
	if !ok {
		return "", apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("asset %s is not minted", asset))
	}
	return owner, nil
}

// IsApprovedForTransfer reports whether operator holds the transfer approval
// for asset.
func (l *MemoryLedger) IsApprovedForTransfer(ctx context.Context, asset domain.AssetRef, operator string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.approvals[asset] == operator && operator != "", nil
}

// TransferFrom moves asset from one account to another and clears the
// transfer approval.
func (l *MemoryLedger) TransferFrom(ctx context.Context, asset domain.AssetRef, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "transfer recipient is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[asset]
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("asset %s is not minted", asset))
	}
	if owner != from {
		return domain.ErrNotOwner
	}
	l.owners[asset] = to
	delete(l.approvals, asset)
	return nil
}

// MemoryVault is an in-process Treasury backed by a funded float. PayOut
// fails when the float runs dry, which tests use to exercise the
// compensation paths.
type MemoryVault struct {
	mu    sync.Mutex
	float uint64
	paid  map[string]uint64
}

// NewMemoryVault returns a treasury holding float available for pay-outs.
func NewMemoryVault(float uint64) *MemoryVault {
	return &MemoryVault{
		float: float,
		paid:  make(map[string]uint64),
	}
}

// Fund adds amount to the float available for pay-outs.
func (v *MemoryVault) Fund(amount uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.float += amount
}

// PayOut sends amount to account from the float.
func (v *MemoryVault) PayOut(ctx context.Context, account string, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if account == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "pay-out account is required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if amount > v.float {
		return domain.ErrTransferFailed
	}
	v.float -= amount
	v.paid[account] += amount
	return nil
}

// Paid returns the total amount paid out to account.
func (v *MemoryVault) Paid(account string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paid[account]
}

var (
	_ Registry = (*MemoryLedger)(nil)
	_ Treasury = (*MemoryVault)(nil)
)
