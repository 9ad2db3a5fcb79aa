// Package market parses market service flags and launches the service.
package market

import (
	"context"
	"flag"

	entrypoint "github.com/argylefox/tradepost/internal/platform/cmd"
	server "github.com/argylefox/tradepost/internal/services/market/app"
)

// Config holds market command configuration.
type Config struct {
	HTTPPort int `env:"TRADEPOST_MARKET_HTTP_PORT" envDefault:"8080"`
	OpsPort  int `env:"TRADEPOST_MARKET_OPS_PORT" envDefault:"8081"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "The market JSON API port")
	fs.IntVar(&cfg.OpsPort, "ops-port", cfg.OpsPort, "The market ops gRPC port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the market API service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMarket, func(context.Context) error {
		return server.Run(ctx, cfg.HTTPPort, cfg.OpsPort)
	})
}
