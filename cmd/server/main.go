package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swap2p/internal/config"
	"swap2p/internal/confirm"
	"swap2p/internal/escrow"
	"swap2p/internal/journal"
	"swap2p/internal/logger"
	"swap2p/internal/server"
	"swap2p/internal/tradeindex"
	"swap2p/internal/wallet"
)

func main() {
	configFile := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "swap2p server: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := logger.Init(cfg.LogEnv); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chain, err := wallet.Open(ctx, wallet.OpenConfig{
		RPCURL:     cfg.Chain.RPCURL,
		PrivateKey: cfg.Chain.PrivateKey,
		Account:    cfg.Chain.Account,
		ChainID:    cfg.Chain.ChainID,
	})
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	defer chain.Close()

	session := wallet.NewSession()
	session.Connect(chain.Account(), chain.ChainID())
	log.Info("wallet session connected",
		zap.Stringer("account", chain.Account()),
		zap.String("chain", chain.ChainID().String()),
		zap.Bool("local_signer", cfg.Chain.PrivateKey != ""))

	store, err := openJournal(ctx, cfg)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if closer, ok := store.(interface{ Close() }); ok {
		defer closer.Close()
	}

	waiter := confirm.NewWaiter(chain.Eth(), confirm.Config{
		Timeout:      cfg.Escrow.ConfirmTimeout,
		PollInterval: cfg.Escrow.ConfirmPollInterval,
		ChainID:      chain.ChainID(),
	}, logger.Named("confirm"))

	metrics := server.NewMetrics()
	opts := []escrow.Option{
		escrow.WithJournal(store),
		escrow.WithLogger(logger.Named("escrow")),
		escrow.WithTransitionHook(metrics.ObserveTransition),
	}
	if cfg.Escrow.AllowanceCheck {
		opts = append(opts, escrow.WithAllowanceCheck())
	}
	orch := escrow.New(cfg.Escrow.Contract, session, chain, waiter, opts...)

	trades, err := tradeindex.NewClient(cfg.Backend.BaseURL,
		tradeindex.WithLogger(logger.Named("tradeindex")),
		tradeindex.WithFetchObserver(metrics.ObserveFetch))
	if err != nil {
		return fmt.Errorf("trade index: %w", err)
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Orchestrator: orch,
		Journal:      store,
		Trades:       trades,
		Metrics:      metrics,
		RPC:          chain,
		Log:          log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info("shutting down")
		return apiServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openJournal(ctx context.Context, cfg *config.AppConfig) (journal.Store, error) {
	if cfg.Storage.PostgresDSN != "" {
		return journal.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
	}
	return journal.NewFileStore(cfg.Storage.JournalPath)
}
