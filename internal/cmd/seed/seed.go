// Package seed mints demo assets and lists them for sale against a local
// market database.
package seed

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	entrypoint "github.com/argylefox/tradepost/internal/platform/cmd"
	"github.com/argylefox/tradepost/internal/services/market/assets"
	"github.com/argylefox/tradepost/internal/services/market/domain"
	"github.com/argylefox/tradepost/internal/services/market/service"
	marketsqlite "github.com/argylefox/tradepost/internal/services/market/storage/sqlite"
)

// Config holds seed command configuration.
type Config struct {
	DBPath     string `env:"TRADEPOST_MARKET_DB_PATH"`
	Operator   string `env:"TRADEPOST_MARKET_OPERATOR" envDefault:"tradepost-operator"`
	Collection string
	Seller     string
	Items      int
	BasePrice  uint64
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "market.db")
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "market database path")
	fs.StringVar(&cfg.Collection, "collection", "meadowfolk", "collection name for seeded assets")
	fs.StringVar(&cfg.Seller, "seller", "acct-demo-seller", "seller account for seeded listings")
	fs.IntVar(&cfg.Items, "items", 5, "number of assets to mint and list")
	var basePrice uint64
	fs.Uint64Var(&basePrice, "base-price", 100, "price of the first listing; each next listing doubles it")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.BasePrice = basePrice
	return cfg, nil
}

// Run mints cfg.Items assets for the demo seller, approves the marketplace
// operator, and lists each asset for sale. The listings land in the market
// database; ownership lives in an in-process ledger, so seeded data is for
// browsing flows, not purchases.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if cfg.Items <= 0 {
		return fmt.Errorf("items must be greater than zero")
	}
	if cfg.BasePrice == 0 {
		return fmt.Errorf("base price must be greater than zero")
	}

	store, err := marketsqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open market store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(out, "close market store: %v\n", closeErr)
		}
	}()

	ledger := assets.NewMemoryLedger()
	market := service.NewMarket(store, ledger, assets.NewMemoryVault(0), cfg.Operator)

	price := cfg.BasePrice
	for tokenID := uint64(1); tokenID <= uint64(cfg.Items); tokenID++ {
		asset := domain.AssetRef{Collection: cfg.Collection, TokenID: tokenID}
		if err := ledger.Mint(ctx, asset, cfg.Seller); err != nil {
			return fmt.Errorf("mint %s: %w", asset, err)
		}
		if err := ledger.Approve(ctx, asset, cfg.Seller, cfg.Operator); err != nil {
			return fmt.Errorf("approve %s: %w", asset, err)
		}
		listing, err := market.ListItem(ctx, cfg.Seller, asset, price)
		if err != nil {
			return fmt.Errorf("list %s: %w", asset, err)
		}
		fmt.Fprintf(out, "listed %s at %d for %s\n", asset, listing.Price, listing.Seller)
		if price <= domain.MaxPrice/2 {
			price *= 2
		}
	}
	fmt.Fprintf(out, "seeded %d listings into %s\n", cfg.Items, cfg.DBPath)
	return nil
}
