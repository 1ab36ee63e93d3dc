package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"trustmesh/crypto"
	"trustmesh/observability/logging"
	"trustmesh/observability/otel"
)

func main() {
	env := strings.TrimSpace(os.Getenv("SYNCD_ENV"))
	if env == "" {
		env = "dev"
	}
	logger := logging.Setup("syncd", env)

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := otel.Init(ctx, otel.FromEnv("trustmesh-syncd"))
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	oracleKey, err := loadOracleKey(cfg)
	if err != nil {
		logger.Error("oracle key unavailable", "error", err)
		os.Exit(1)
	}

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open state database failed", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	custody := NewRPCNodeClient(cfg.CustodyNodeURL, cfg.CustodyNodeToken)
	receipts := NewRPCNodeClient(cfg.ReceiptNodeURL, cfg.ReceiptNodeToken)

	var scores ScoreClient
	if cfg.ScoreServiceURL != "" {
		scores = NewHTTPScoreClient(cfg.ScoreServiceURL)
	}

	queue := NewSyncQueue(WithTaskCapacity(cfg.QueueCapacity), WithQueueTTL(cfg.QueueTTL))
	bridge, err := NewBridge(cfg, BridgeDeps{
		Store:    store,
		Queue:    queue,
		Custody:  custody,
		Receipts: receipts,
		Scores:   scores,
		Oracle:   oracleKey,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("bridge init failed", "error", err)
		os.Exit(1)
	}

	health := newHealthServer(store, queue, logger)
	go func() {
		if err := health.serve(ctx, cfg.ListenAddress); err != nil {
			logger.Error("health server failed", "error", err)
			stop()
		}
	}()

	logger.Info("synchronizer started",
		"custody", cfg.CustodyNodeURL,
		"receipts", cfg.ReceiptNodeURL,
		"listen", cfg.ListenAddress,
		"pollInterval", cfg.PollInterval)

	if err := bridge.Run(ctx); err != nil {
		logger.Error("bridge stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("synchronizer stopped")
}

func loadOracleKey(cfg Config) (*crypto.PrivateKey, error) {
	if cfg.OracleKeystorePath != "" {
		key, err := crypto.LoadFromKeystore(cfg.OracleKeystorePath, cfg.OraclePassphrase)
		if err != nil {
			return nil, fmt.Errorf("load keystore %s: %w", cfg.OracleKeystorePath, err)
		}
		return key, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(cfg.OracleKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode SYNCD_ORACLE_KEY: %w", err)
	}
	return crypto.PrivateKeyFromBytes(raw)
}
