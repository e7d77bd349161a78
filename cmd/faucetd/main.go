package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"faucetd/internal/config"
	"faucetd/internal/faucet"
	"faucetd/internal/ledger"
	"faucetd/internal/opsauth"
	"faucetd/internal/server"
	"faucetd/internal/throttle"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config error", zap.Error(err))
	}

	store, closeStore, err := openStore(cfg.Service, log)
	if err != nil {
		log.Fatal("throttle store error", zap.Error(err))
	}
	defer closeStore()

	guard := throttle.NewGuard(store, cfg.Service.ReserveTTL, log)

	pool := ledger.NewPool(func(ctx context.Context, chain string) (ledger.Client, error) {
		chainCfg, ok := cfg.Chains[chain]
		if !ok {
			return nil, errors.New("chain not configured")
		}
		return ledger.Dial(ctx, chainCfg.Endpoint, chainCfg.FundingSecret, log.With(zap.String("chain", chain)))
	}, log)
	defer pool.Close()

	chains := make(map[string]faucet.ChainParams, len(cfg.Chains))
	for name, chain := range cfg.Chains {
		chains[name] = faucet.ChainParams{
			CooldownHours:  chain.CooldownHours,
			TransferAmount: chain.TransferAmount,
		}
	}

	svc := faucet.NewService(chains, pool, guard, cfg.Service.SubmitTimeout, log)

	ops := &opsauth.Verifier{
		Secret:  cfg.Service.OpsSecret,
		MaxSkew: cfg.Service.OpsClockSkew,
	}

	apiServer := server.NewServer(cfg.Service.HTTPPort, svc, store, pool, ops, log)

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.Service.RefreshSchedule, func() {
		refresh(cfg, pool, apiServer, log)
	})
	if err != nil {
		log.Fatal("invalid refresh schedule", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(ctx)
}

func openStore(cfg config.ServiceConfig, log *zap.Logger) (throttle.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory throttle store, records do not survive restarts")
		return throttle.NewMemoryStore(), func() {}, nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := throttle.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default: // leveldb
		store, err := throttle.NewLevelDBStore(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// refresh evicts dead ledger connections and republishes the funding balance
// gauge for every configured chain.
func refresh(cfg *config.AppConfig, pool *ledger.Pool, apiServer *server.Server, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool.HealthCheck(ctx)

	for name := range cfg.Chains {
		client, err := pool.Get(ctx, name)
		if err != nil {
			log.Warn("balance refresh skipped", zap.String("chain", name), zap.Error(err))
			continue
		}
		balance, err := client.FundingBalance(ctx)
		if err != nil {
			if !errors.Is(err, ledger.ErrNoFundingAccount) {
				log.Warn("balance refresh failed", zap.String("chain", name), zap.Error(err))
			}
			continue
		}
		approx, _ := new(big.Float).SetInt(balance).Float64()
		apiServer.SetFundingBalance(name, approx)
	}
}
