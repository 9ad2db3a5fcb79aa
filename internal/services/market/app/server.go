// Package server wires the market runtime: the JSON API, the ops gRPC
// health endpoint, and the storage lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/argylefox/tradepost/internal/platform/config"
	"github.com/argylefox/tradepost/internal/platform/httpx"
	"github.com/argylefox/tradepost/internal/platform/timeouts"
	markethttp "github.com/argylefox/tradepost/internal/services/market/api/http"
	"github.com/argylefox/tradepost/internal/services/market/assets"
	"github.com/argylefox/tradepost/internal/services/market/service"
	marketsqlite "github.com/argylefox/tradepost/internal/services/market/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

type serverEnv struct {
	DBPath        string `env:"TRADEPOST_MARKET_DB_PATH"`
	Operator      string `env:"TRADEPOST_MARKET_OPERATOR"`
	TreasuryFloat string `env:"TRADEPOST_MARKET_TREASURY_FLOAT"`
}

func loadServerEnv() serverEnv {
	var cfg serverEnv
	_ = config.ParseEnv(&cfg)
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "market.db")
	}
	if strings.TrimSpace(cfg.Operator) == "" {
		cfg.Operator = "tradepost-operator"
	}
	return cfg
}

// Server hosts the market JSON API, the ops health endpoint, and storage.
type Server struct {
	httpListener net.Listener
	opsListener  net.Listener
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server
	store        *marketsqlite.Store
}

// New creates a configured market server listening on the provided ports.
func New(httpPort, opsPort int) (*Server, error) {
	return NewWithAddrs(fmt.Sprintf(":%d", httpPort), fmt.Sprintf(":%d", opsPort))
}

// NewWithAddrs creates a configured market server for the provided addresses.
func NewWithAddrs(httpAddr, opsAddr string) (*Server, error) {
	httpListener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}
	opsListener, err := net.Listen("tcp", opsAddr)
	if err != nil {
		_ = httpListener.Close()
		return nil, fmt.Errorf("listen on %s: %w", opsAddr, err)
	}

	env := loadServerEnv()
	store, err := openMarketStore(env.DBPath)
	if err != nil {
		_ = httpListener.Close()
		_ = opsListener.Close()
		return nil, err
	}

	grants, err := markethttp.LoadCallerGrantConfigFromEnv(nil)
	if err != nil {
		_ = httpListener.Close()
		_ = opsListener.Close()
		_ = store.Close()
		return nil, err
	}

	ledger := assets.NewMemoryLedger()
	vault := assets.NewMemoryVault(treasuryFloat(env.TreasuryFloat))
	market := service.NewMarket(store, ledger, vault, env.Operator)

	handler := httpx.Chain(
		markethttp.NewHandler(market, grants),
		httpx.RequestID(),
		httpx.RequestLogger(log.Default()),
		httpx.RecoverPanic(),
	)
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("tradepost.market", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		httpListener: httpListener,
		opsListener:  opsListener,
		httpServer:   httpServer,
		grpcServer:   grpcServer,
		health:       healthServer,
		store:        store,
	}, nil
}

// Addr returns the JSON API listener address.
func (s *Server) Addr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// OpsAddr returns the ops gRPC listener address.
func (s *Server) OpsAddr() string {
	if s == nil || s.opsListener == nil {
		return ""
	}
	return s.opsListener.Addr().String()
}

// Run creates and serves a market server until context cancellation.
func Run(ctx context.Context, httpPort, opsPort int) error {
	server, err := New(httpPort, opsPort)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts both listeners until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("market server listening at %v (ops %v)", s.httpListener.Addr(), s.opsListener.Addr())
	serveErr := make(chan error, 2)
	go func() {
		err := s.httpServer.Serve(s.httpListener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	go func() {
		serveErr <- s.grpcServer.Serve(s.opsListener)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown(serveErr)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve market: %w", err)
	}
}

func (s *Server) shutdown(serveErr <-chan error) error {
	if s.health != nil {
		s.health.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.grpcServer.Stop()
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.grpcServer.GracefulStop()

	for i := 0; i < 2; i++ {
		err := <-serveErr
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve market: %w", err)
		}
	}
	return nil
}

// Close releases market server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.opsListener != nil {
		_ = s.opsListener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close market store: %v", err)
		}
	}
}

func treasuryFloat(raw string) uint64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		log.Printf("invalid treasury float %q, using 0", raw)
		return 0
	}
	return value
}

func openMarketStore(path string) (*marketsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := marketsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open market sqlite store: %w", err)
	}
	return store, nil
}
