// Package main provides the crosslockd daemon - a cross-chain escrow relayer.
package main

import (
	"context"
	"errors"
	"flag"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslock/internal/chain"
	"github.com/crosslock-exchange/crosslock/internal/config"
	"github.com/crosslock-exchange/crosslock/internal/relayer"
	"github.com/crosslock-exchange/crosslock/internal/rpc"
	"github.com/crosslock-exchange/crosslock/internal/storage"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.crosslock", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "Status API address, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		demo        = flag.Bool("demo", false, "Run one funded demonstration swap and keep serving")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("crosslockd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	var cfg *config.Config
	var err error

	if *configFile != "" {
		cfg, err = config.LoadConfig(filepath.Dir(*configFile))
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *apiAddr != "" {
		cfg.RPC.ListenAddr = *apiAddr
		cfg.RPC.Enabled = true
	}
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = *dataDir

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := storage.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Wire the two simulated ledgers. Real chain adapters plug in here
	// behind the same interface.
	srcChain := chain.NewSimChain(cfg.Chains.Source, chain.SystemClock{})
	dstChain := chain.NewSimChain(cfg.Chains.Destination, chain.SystemClock{})
	chains := map[string]chain.Adapter{
		srcChain.Name(): srcChain,
		dstChain.Name(): dstChain,
	}
	log.Info("Chains initialized", "source", srcChain.Name(), "destination", dstChain.Name())

	// Initialize the swap orchestrator
	orch, err := relayer.New(&relayer.Config{
		Storage: store,
		Chains:  chains,
		Retry: relayer.RetryPolicy{
			BaseInterval: cfg.Relayer.Retry.BaseInterval,
			MaxInterval:  cfg.Relayer.Retry.MaxInterval,
			Multiplier:   cfg.Relayer.Retry.Multiplier,
			MaxAttempts:  cfg.Relayer.Retry.MaxAttempts,
		},
		WatchdogInterval: cfg.Relayer.WatchdogInterval,
		RefundMargin:     cfg.Relayer.RefundMargin,
	})
	if err != nil {
		log.Fatal("Failed to create orchestrator", "error", err)
	}
	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", "error", err)
	}
	defer orch.Stop()

	// Start the status API
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(store, orch)
		if err := rpcServer.Start(cfg.RPC.ListenAddr); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	printBanner(log, cfg)

	if *demo {
		go runDemoSwap(ctx, log, cfg, orch, srcChain, dstChain)
	}

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				active, finished, err := store.SessionCount()
				if err != nil {
					continue
				}
				log.Info("Status", "active_swaps", active, "finished_swaps", finished)
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	orch.Stop()

	log.Info("Goodbye!")
}

// runDemoSwap funds two demo accounts, walks one swap through both legs,
// and plays the taker's destination-side claim so the full reveal /
// forward cycle is observable over the status API.
func runDemoSwap(ctx context.Context, log *logging.Logger, cfg *config.Config, orch *relayer.Orchestrator, src, dst *chain.SimChain) {
	maker := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	taker := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	amount := big.NewInt(1_000_000)
	deposit := big.NewInt(10_000)

	// Principal for each depositor, native funds for safety deposits.
	src.Fund(maker, common.Address{}, new(big.Int).Add(amount, deposit))
	src.Fund(taker, common.Address{}, deposit)
	dst.Fund(taker, common.Address{}, new(big.Int).Add(amount, deposit))

	session, err := orch.StartSwap(relayer.Terms{
		OrderHash:        common.HexToHash("0xd43a0000000000000000000000000000000000000000000000000000000001"),
		Maker:            maker,
		Taker:            taker,
		SrcChain:         src.Name(),
		DstChain:         dst.Name(),
		SrcAmount:        amount,
		DstAmount:        amount,
		SrcSafetyDeposit: deposit,
		DstSafetyDeposit: deposit,
		SrcDeltas:        cfg.Timelocks.Source,
		DstDeltas:        cfg.Timelocks.Destination,
	})
	if err != nil {
		log.Error("Demo swap failed to start", "error", err)
		return
	}
	log.Info("Demo swap started",
		"swap_id", session.SwapID, "amount", helpers.FormatUnits(amount, 6))

	// Wait for the destination leg, then claim it as the taker would.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s, err := orch.GetSession(session.SwapID)
		if err != nil {
			log.Error("Demo swap lookup failed", "error", err)
			return
		}
		if s.Status.IsTerminal() {
			log.Info("Demo swap finished", "swap_id", s.SwapID, "status", s.Status)
			return
		}
		if (s.DstContractID == common.Hash{}) {
			continue
		}
		if s.Status != storage.StatusDstEscrowCreated {
			continue
		}

		err = dst.Withdraw(ctx, s.DstContractID, session.Preimage(), taker)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Debug("Demo taker claim not ready", "error", err)
		}
	}
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Crosslock Relayer")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Chains: %s -> %s", cfg.Chains.Source, cfg.Chains.Destination)
	if cfg.RPC.Enabled {
		log.Infof("  API: http://%s", cfg.RPC.ListenAddr)
		log.Infof("  WS:  ws://%s/ws", cfg.RPC.ListenAddr)
	}
	log.Infof("  Data dir: %s", storage.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
