// Package sqlite provides a SQLite-backed market storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sqlitemigrate "github.com/argylefox/tradepost/internal/platform/storage/sqlitemigrate"
	"github.com/argylefox/tradepost/internal/services/market/domain"
	"github.com/argylefox/tradepost/internal/services/market/storage"
	"github.com/argylefox/tradepost/internal/services/market/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists marketplace state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite market store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	return s.sqlDB.BeginTx(ctx, nil)
}

// CreateListing inserts an active listing, reusing a tombstone row when one exists.
func (s *Store) CreateListing(ctx context.Context, asset domain.AssetRef, listing domain.Listing, evt domain.MarketEvent) error {
	if err := asset.Validate(); err != nil {
		return err
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existingPrice int64
	err = tx.QueryRowContext(
		ctx,
		`SELECT price FROM listings WHERE collection = ? AND token_id = ?`,
		asset.Collection,
		int64(asset.TokenID),
	).Scan(&existingPrice)
	switch {
	case err == nil && existingPrice > 0:
		return storage.ErrAlreadyExists
	case err == nil:
		// Tombstone row: rewrite it in place.
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE listings
			    SET seller = ?, price = ?, created_at = ?, updated_at = ?
			  WHERE collection = ? AND token_id = ?`,
			listing.Seller,
			int64(listing.Price),
			toMillis(listing.CreatedAt),
			toMillis(listing.UpdatedAt),
			asset.Collection,
			int64(asset.TokenID),
		); err != nil {
			return fmt.Errorf("relist asset: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO listings (collection, token_id, seller, price, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			asset.Collection,
			int64(asset.TokenID),
			listing.Seller,
			int64(listing.Price),
			toMillis(listing.CreatedAt),
			toMillis(listing.UpdatedAt),
		); err != nil {
			if isListingUniqueViolation(err) {
				return storage.ErrAlreadyExists
			}
			return fmt.Errorf("create listing: %w", err)
		}
	default:
		return fmt.Errorf("check existing listing: %w", err)
	}

	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create listing: %w", err)
	}
	return nil
}

// GetListing returns the active listing for asset.
func (s *Store) GetListing(ctx context.Context, asset domain.AssetRef) (domain.Listing, error) {
	if err := ctx.Err(); err != nil {
		return domain.Listing{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Listing{}, fmt.Errorf("storage is not configured")
	}
	if err := asset.Validate(); err != nil {
		return domain.Listing{}, err
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT seller, price, created_at, updated_at
		   FROM listings
		  WHERE collection = ? AND token_id = ? AND price > 0`,
		asset.Collection,
		int64(asset.TokenID),
	)
	return scanListing(row)
}

// UpdateListingPrice replaces the price of seller's active listing in place.
func (s *Store) UpdateListingPrice(ctx context.Context, asset domain.AssetRef, seller string, price uint64, now time.Time, evt domain.MarketEvent) (domain.Listing, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Listing{}, err
	}
	defer func() { _ = tx.Rollback() }()

	listing, err := lockActiveListing(ctx, tx, asset)
	if err != nil {
		return domain.Listing{}, err
	}
	if listing.Seller != seller {
		return domain.Listing{}, storage.ErrConflict
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE listings SET price = ?, updated_at = ? WHERE collection = ? AND token_id = ?`,
		int64(price),
		toMillis(now),
		asset.Collection,
		int64(asset.TokenID),
	); err != nil {
		return domain.Listing{}, fmt.Errorf("update listing price: %w", err)
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return domain.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, fmt.Errorf("commit update listing: %w", err)
	}
	listing.Price = price
	listing.UpdatedAt = now.UTC()
	return listing, nil
}

// TombstoneListing logically deletes seller's active listing.
func (s *Store) TombstoneListing(ctx context.Context, asset domain.AssetRef, seller string, now time.Time, evt domain.MarketEvent) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	listing, err := lockActiveListing(ctx, tx, asset)
	if err != nil {
		return err
	}
	if listing.Seller != seller {
		return storage.ErrConflict
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE listings SET price = 0, updated_at = ? WHERE collection = ? AND token_id = ?`,
		toMillis(now),
		asset.Collection,
		int64(asset.TokenID),
	); err != nil {
		return fmt.Errorf("tombstone listing: %w", err)
	}
	if err := insertEvent(ctx, tx, evt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tombstone listing: %w", err)
	}
	return nil
}

// SettlePurchase consumes the active listing and credits its price to the
// seller's proceeds, in one transaction. The caller performs the external
// asset transfer only after this commits.
func (s *Store) SettlePurchase(ctx context.Context, asset domain.AssetRef, expectedPrice uint64, now time.Time) (domain.Listing, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Listing{}, err
	}
	defer func() { _ = tx.Rollback() }()

	listing, err := lockActiveListing(ctx, tx, asset)
	if err != nil {
		return domain.Listing{}, err
	}
	if listing.Price != expectedPrice {
		return domain.Listing{}, storage.ErrConflict
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE listings SET price = 0, updated_at = ? WHERE collection = ? AND token_id = ?`,
		toMillis(now),
		asset.Collection,
		int64(asset.TokenID),
	); err != nil {
		return domain.Listing{}, fmt.Errorf("consume listing: %w", err)
	}
	if err := creditProceeds(ctx, tx, listing.Seller, listing.Price, now); err != nil {
		return domain.Listing{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Listing{}, fmt.Errorf("commit settle purchase: %w", err)
	}
	return listing, nil
}

// UndoSettlement restores the listing and debits the credited proceeds after
// a failed external asset transfer.
func (s *Store) UndoSettlement(ctx context.Context, asset domain.AssetRef, listing domain.Listing, now time.Time) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(
		ctx,
		`UPDATE listings
		    SET seller = ?, price = ?, updated_at = ?
		  WHERE collection = ? AND token_id = ? AND price = 0`,
		listing.Seller,
		int64(listing.Price),
		toMillis(now),
		asset.Collection,
		int64(asset.TokenID),
	)
	if err != nil {
		return fmt.Errorf("restore listing: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("restore listing rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("restore listing %s: %w", asset, storage.ErrConflict)
	}

	result, err = tx.ExecContext(
		ctx,
		`UPDATE proceeds
		    SET balance = balance - ?, updated_at = ?
		  WHERE seller = ? AND balance >= ?`,
		int64(listing.Price),
		toMillis(now),
		listing.Seller,
		int64(listing.Price),
	)
	if err != nil {
		return fmt.Errorf("debit proceeds: %w", err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit proceeds rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("debit proceeds for %s: %w", listing.Seller, storage.ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit undo settlement: %w", err)
	}
	return nil
}

// BeginWithdrawal zeroes seller's balance and returns the amount held.
func (s *Store) BeginWithdrawal(ctx context.Context, seller string, now time.Time) (uint64, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM proceeds WHERE seller = ?`, seller).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && balance == 0) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read proceeds: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE proceeds SET balance = 0, updated_at = ? WHERE seller = ?`,
		toMillis(now),
		seller,
	); err != nil {
		return 0, fmt.Errorf("zero proceeds: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit begin withdrawal: %w", err)
	}
	return uint64(balance), nil
}

// RestoreProceeds credits amount back after a failed pay-out.
func (s *Store) RestoreProceeds(ctx context.Context, seller string, amount uint64, now time.Time) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := creditProceeds(ctx, tx, seller, amount, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore proceeds: %w", err)
	}
	return nil
}

// GetProceeds returns seller's withdrawable balance, zero when unknown.
func (s *Store) GetProceeds(ctx context.Context, seller string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var balance int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT balance FROM proceeds WHERE seller = ?`, seller).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get proceeds: %w", err)
	}
	return uint64(balance), nil
}

// AppendEvent appends one journal entry and returns its sequence number.
func (s *Store) AppendEvent(ctx context.Context, evt domain.MarketEvent) (uint64, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := insertEventSeq(ctx, tx, evt)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append event: %w", err)
	}
	return seq, nil
}

// ListListings returns one page of active listings ordered by asset reference.
func (s *Store) ListListings(ctx context.Context, pageSize int, pageToken string) (storage.ListingPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.ListingPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ListingPage{}, fmt.Errorf("storage is not configured")
	}
	if pageSize <= 0 {
		return storage.ListingPage{}, fmt.Errorf("page size must be greater than zero")
	}
	pageToken = strings.TrimSpace(pageToken)

	page := storage.ListingPage{
		Listings: make([]storage.ListedAsset, 0, pageSize),
	}

	var (
		rows *sql.Rows
		err  error
	)
	if pageToken == "" {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT collection, token_id, seller, price, created_at, updated_at
			   FROM listings
			  WHERE price > 0
			  ORDER BY collection ASC, token_id ASC
			  LIMIT ?`,
			pageSize+1,
		)
	} else {
		after, parseErr := domain.ParseAssetRef(pageToken)
		if parseErr != nil {
			return storage.ListingPage{}, fmt.Errorf("invalid page token: %w", parseErr)
		}
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT collection, token_id, seller, price, created_at, updated_at
			   FROM listings
			  WHERE price > 0
			    AND (collection > ? OR (collection = ? AND token_id > ?))
			  ORDER BY collection ASC, token_id ASC
			  LIMIT ?`,
			after.Collection,
			after.Collection,
			int64(after.TokenID),
			pageSize+1,
		)
	}
	if err != nil {
		return storage.ListingPage{}, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry storage.ListedAsset
		var tokenID int64
		var price int64
		var createdAt int64
		var updatedAt int64
		if err := rows.Scan(
			&entry.Asset.Collection,
			&tokenID,
			&entry.Listing.Seller,
			&price,
			&createdAt,
			&updatedAt,
		); err != nil {
			return storage.ListingPage{}, fmt.Errorf("list listings: %w", err)
		}
		entry.Asset.TokenID = uint64(tokenID)
		entry.Listing.Price = uint64(price)
		entry.Listing.CreatedAt = fromMillis(createdAt)
		entry.Listing.UpdatedAt = fromMillis(updatedAt)
		page.Listings = append(page.Listings, entry)
	}
	if err := rows.Err(); err != nil {
		return storage.ListingPage{}, fmt.Errorf("list listings: %w", err)
	}
	if len(page.Listings) > pageSize {
		page.NextPageToken = page.Listings[pageSize-1].Asset.String()
		page.Listings = page.Listings[:pageSize]
	}
	return page, nil
}

// ListMarketEvents returns one page of journal entries in commit order.
func (s *Store) ListMarketEvents(ctx context.Context, pageSize int, pageToken string) (storage.EventPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.EventPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EventPage{}, fmt.Errorf("storage is not configured")
	}
	if pageSize <= 0 {
		return storage.EventPage{}, fmt.Errorf("page size must be greater than zero")
	}

	afterSeq := int64(0)
	if token := strings.TrimSpace(pageToken); token != "" {
		parsed, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return storage.EventPage{}, fmt.Errorf("invalid page token: %w", err)
		}
		afterSeq = parsed
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT seq, type, collection, token_id, actor, payload_json, created_at
		   FROM market_events
		  WHERE seq > ?
		  ORDER BY seq ASC
		  LIMIT ?`,
		afterSeq,
		pageSize+1,
	)
	if err != nil {
		return storage.EventPage{}, fmt.Errorf("list market events: %w", err)
	}
	defer rows.Close()

	page := storage.EventPage{
		Events: make([]domain.MarketEvent, 0, pageSize),
	}
	for rows.Next() {
		var evt domain.MarketEvent
		var seq int64
		var eventType string
		var tokenID int64
		var payload string
		var createdAt int64
		if err := rows.Scan(&seq, &eventType, &evt.Collection, &tokenID, &evt.Actor, &payload, &createdAt); err != nil {
			return storage.EventPage{}, fmt.Errorf("list market events: %w", err)
		}
		evt.Seq = uint64(seq)
		evt.Type = domain.EventType(eventType)
		evt.TokenID = uint64(tokenID)
		evt.PayloadJSON = []byte(payload)
		evt.Timestamp = fromMillis(createdAt)
		page.Events = append(page.Events, evt)
	}
	if err := rows.Err(); err != nil {
		return storage.EventPage{}, fmt.Errorf("list market events: %w", err)
	}
	if len(page.Events) > pageSize {
		page.NextPageToken = strconv.FormatUint(page.Events[pageSize-1].Seq, 10)
		page.Events = page.Events[:pageSize]
	}
	return page, nil
}

// lockActiveListing reads the active listing for asset inside tx.
func lockActiveListing(ctx context.Context, tx *sql.Tx, asset domain.AssetRef) (domain.Listing, error) {
	if err := asset.Validate(); err != nil {
		return domain.Listing{}, err
	}
	row := tx.QueryRowContext(
		ctx,
		`SELECT seller, price, created_at, updated_at
		   FROM listings
		  WHERE collection = ? AND token_id = ? AND price > 0`,
		asset.Collection,
		int64(asset.TokenID),
	)
	return scanListing(row)
}

func scanListing(row *sql.Row) (domain.Listing, error) {
	var listing domain.Listing
	var price int64
	var createdAt int64
	var updatedAt int64
	err := row.Scan(&listing.Seller, &price, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Listing{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("scan listing: %w", err)
	}
	listing.Price = uint64(price)
	listing.CreatedAt = fromMillis(createdAt)
	listing.UpdatedAt = fromMillis(updatedAt)
	return listing, nil
}

// creditProceeds adds amount to seller's balance inside tx, failing closed
// when the sum would not fit a signed 64-bit integer.
func creditProceeds(ctx context.Context, tx *sql.Tx, seller string, amount uint64, now time.Time) error {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM proceeds WHERE seller = ?`, seller).Scan(&balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read proceeds: %w", err)
	}
	if amount > math.MaxInt64 || balance > math.MaxInt64-int64(amount) {
		return storage.ErrOverflow
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO proceeds (seller, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(seller) DO UPDATE SET balance = ?, updated_at = ?`,
		seller,
		int64(amount),
		toMillis(now),
		balance+int64(amount),
		toMillis(now),
	); err != nil {
		return fmt.Errorf("credit proceeds: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt domain.MarketEvent) error {
	_, err := insertEventSeq(ctx, tx, evt)
	return err
}

func insertEventSeq(ctx context.Context, tx *sql.Tx, evt domain.MarketEvent) (uint64, error) {
	result, err := tx.ExecContext(
		ctx,
		`INSERT INTO market_events (type, collection, token_id, actor, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(evt.Type),
		evt.Collection,
		int64(evt.TokenID),
		evt.Actor,
		string(evt.PayloadJSON),
		toMillis(evt.Timestamp),
	)
	if err != nil {
		return 0, fmt.Errorf("append market event: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("market event seq: %w", err)
	}
	return uint64(seq), nil
}

func isListingUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "listings.")
}

var _ storage.MarketStore = (*Store)(nil)
