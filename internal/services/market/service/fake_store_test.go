package service

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/argylefox/tradepost/internal/services/market/domain"
	"github.com/argylefox/tradepost/internal/services/market/storage"
)

// fakeStore is an in-memory MarketStore for service tests. It mirrors the
// SQLite store's semantics, including tombstone rows and additive credits.
type fakeStore struct {
	mu       sync.Mutex
	listings map[domain.AssetRef]domain.Listing
	proceeds map[string]uint64
	events   []domain.MarketEvent
	nextSeq  uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		listings: make(map[domain.AssetRef]domain.Listing),
		proceeds: make(map[string]uint64),
		nextSeq:  1,
	}
}

func (f *fakeStore) eventTypes() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]domain.EventType, 0, len(f.events))
	for _, evt := range f.events {
		types = append(types, evt.Type)
	}
	return types
}

func (f *fakeStore) appendLocked(evt domain.MarketEvent) uint64 {
	evt.Seq = f.nextSeq
	f.nextSeq++
	f.events = append(f.events, evt)
	return evt.Seq
}

func (f *fakeStore) CreateListing(ctx context.Context, asset domain.AssetRef, listing domain.Listing, evt domain.MarketEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.listings[asset]; ok && existing.Active() {
		return storage.ErrAlreadyExists
	}
	f.listings[asset] = listing
	f.appendLocked(evt)
	return nil
}

func (f *fakeStore) GetListing(ctx context.Context, asset domain.AssetRef) (domain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	listing, ok := f.listings[asset]
	if !ok || !listing.Active() {
		return domain.Listing{}, storage.ErrNotFound
	}
	return listing, nil
}

func (f *fakeStore) UpdateListingPrice(ctx context.Context, asset domain.AssetRef, seller string, price uint64, now time.Time, evt domain.MarketEvent) (domain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	listing, ok := f.listings[asset]
	if !ok || !listing.Active() {
		return domain.Listing{}, storage.ErrNotFound
	}
	if listing.Seller != seller {
		return domain.Listing{}, storage.ErrConflict
	}
	listing.Price = price
	listing.UpdatedAt = now.UTC()
	f.listings[asset] = listing
	f.appendLocked(evt)
	return listing, nil
}

func (f *fakeStore) TombstoneListing(ctx context.Context, asset domain.AssetRef, seller string, now time.Time, evt domain.MarketEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	listing, ok := f.listings[asset]
	if !ok || !listing.Active() {
		return storage.ErrNotFound
	}
	if listing.Seller != seller {
		return storage.ErrConflict
	}
	listing.Price = 0
	listing.UpdatedAt = now.UTC()
	f.listings[asset] = listing
	f.appendLocked(evt)
	return nil
}

func (f *fakeStore) SettlePurchase(ctx context.Context, asset domain.AssetRef, expectedPrice uint64, now time.Time) (domain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	listing, ok := f.listings[asset]
	if !ok || !listing.Active() {
		return domain.Listing{}, storage.ErrNotFound
	}
	if listing.Price != expectedPrice {
		return domain.Listing{}, storage.ErrConflict
	}
	balance := f.proceeds[listing.Seller]
	if balance > math.MaxInt64-listing.Price {
		return domain.Listing{}, storage.ErrOverflow
	}
	consumed := listing
	listing.Price = 0
	listing.UpdatedAt = now.UTC()
	f.listings[asset] = listing
	f.proceeds[consumed.Seller] = balance + consumed.Price
	return consumed, nil
}

func (f *fakeStore) UndoSettlement(ctx context.Context, asset domain.AssetRef, listing domain.Listing, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.listings[asset]
	if !ok || current.Active() {
		return storage.ErrConflict
	}
	if f.proceeds[listing.Seller] < listing.Price {
		return storage.ErrConflict
	}
	f.proceeds[listing.Seller] -= listing.Price
	restored := listing
	restored.UpdatedAt = now.UTC()
	f.listings[asset] = restored
	return nil
}

func (f *fakeStore) BeginWithdrawal(ctx context.Context, seller string, now time.Time) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance := f.proceeds[seller]
	if balance == 0 {
		return 0, storage.ErrNotFound
	}
	f.proceeds[seller] = 0
	return balance, nil
}

func (f *fakeStore) RestoreProceeds(ctx context.Context, seller string, amount uint64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance := f.proceeds[seller]
	if balance > math.MaxInt64-amount {
		return storage.ErrOverflow
	}
	f.proceeds[seller] = balance + amount
	return nil
}

func (f *fakeStore) GetProceeds(ctx context.Context, seller string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proceeds[seller], nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, evt domain.MarketEvent) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked(evt), nil
}

func (f *fakeStore) ListListings(ctx context.Context, pageSize int, pageToken string) (storage.ListingPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	active := make([]storage.ListedAsset, 0, len(f.listings))
	for asset, listing := range f.listings {
		if listing.Active() {
			active = append(active, storage.ListedAsset{Asset: asset, Listing: listing})
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Asset.Collection != active[j].Asset.Collection {
			return active[i].Asset.Collection < active[j].Asset.Collection
		}
		return active[i].Asset.TokenID < active[j].Asset.TokenID
	})
	if pageToken != "" {
		after, err := domain.ParseAssetRef(pageToken)
		if err != nil {
			return storage.ListingPage{}, err
		}
		start := sort.Search(len(active), func(i int) bool {
			if active[i].Asset.Collection != after.Collection {
				return active[i].Asset.Collection > after.Collection
			}
			return active[i].Asset.TokenID > after.TokenID
		})
		active = active[start:]
	}

	page := storage.ListingPage{Listings: active}
	if len(active) > pageSize {
		page.Listings = active[:pageSize]
		page.NextPageToken = active[pageSize-1].Asset.String()
	}
	return page, nil
}

func (f *fakeStore) ListMarketEvents(ctx context.Context, pageSize int, pageToken string) (storage.EventPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	afterSeq := uint64(0)
	if pageToken != "" {
		parsed, err := strconv.ParseUint(pageToken, 10, 64)
		if err != nil {
			return storage.EventPage{}, err
		}
		afterSeq = parsed
	}
	remaining := make([]domain.MarketEvent, 0, len(f.events))
	for _, evt := range f.events {
		if evt.Seq > afterSeq {
			remaining = append(remaining, evt)
		}
	}
	page := storage.EventPage{Events: remaining}
	if len(remaining) > pageSize {
		page.Events = remaining[:pageSize]
		page.NextPageToken = strconv.FormatUint(remaining[pageSize-1].Seq, 10)
	}
	return page, nil
}

var _ storage.MarketStore = (*fakeStore)(nil)
