package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"

	"github.com/x402labs/mintgate/internal/chain"
	"github.com/x402labs/mintgate/internal/config"
	"github.com/x402labs/mintgate/internal/gateway"
	"github.com/x402labs/mintgate/internal/idempotency"
	"github.com/x402labs/mintgate/internal/ledger"
	"github.com/x402labs/mintgate/internal/verify"
)

func main() {
	cfgPath := flag.String("config", "configs/mintgate.yaml", "Path to YAML config")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	if cfg.OperatorKey == "" {
		slog.Error("MINTGATE_OPERATOR_KEY is not set")
		os.Exit(1)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		slog.Error("failed to connect to RPC node", "url", cfg.RPCURL, "err", err)
		os.Exit(1)
	}
	defer client.Close()

	ldg, err := ledger.NewEvmLedger(
		client,
		cfg.OperatorKey,
		big.NewInt(cfg.ChainID),
		cfg.Reward.Token,
		cfg.Asset.Address,
	)
	if err != nil {
		slog.Error("failed to build ledger", "err", err)
		os.Exit(1)
	}
	slog.Info("ledger ready", "operator", ldg.OperatorAddress(), "chainID", cfg.ChainID)

	store, err := buildStore(cfg)
	if err != nil {
		slog.Error("failed to build idempotency store", "err", err)
		os.Exit(1)
	}

	verifier := verify.New(chain.NewEthReader(client), ldg)

	engine := gateway.NewEngine(store, verifier, ldg, func() gateway.Settings {
		c := loader.Config()
		return gateway.Settings{
			Network:           c.Network,
			ChainID:           big.NewInt(c.ChainID),
			Asset:             c.Asset.Address,
			AssetName:         c.Asset.Name,
			AssetVersion:      c.Asset.Version,
			PayTo:             c.PayTo,
			RequiredAmount:    c.RequiredAmountInt(),
			RewardAmount:      c.RewardAmountInt(),
			Resource:          c.Resource,
			Description:       c.Description,
			MaxTimeoutSeconds: c.MaxTimeoutSeconds,
			RequestTimeout:    c.RequestTimeout,
		}
	}, logger)

	if err := loader.Watch(); err != nil {
		slog.Error("failed to watch config", "err", err)
		os.Exit(1)
	}
	defer loader.Close()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gateway.NewRouter(engine, logger),
	}

	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr, "resource", cfg.Resource)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

func buildStore(cfg *config.Config) (idempotency.Store, error) {
	switch cfg.Idempotency.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Idempotency.Redis.Addr,
			Password: cfg.Idempotency.Redis.Password,
			DB:       cfg.Idempotency.Redis.DB,
		})
		return idempotency.NewRedisStore(client, cfg.Idempotency.ReservationTTL), nil
	default:
		slog.Warn("using the in-memory idempotency store: dedup state is lost on restart and a previously settled proof could settle again")
		return idempotency.NewMemoryStore(), nil
	}
}
