package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"trustmesh/config"
	"trustmesh/core"
	"trustmesh/observability/logging"
	"trustmesh/observability/otel"
	"trustmesh/rpc"
	"trustmesh/storage"
)

const oraclePassEnv = "TRUSTMESH_ORACLE_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("TRUSTMESH_ENV"))
	logger := logging.Setup("trustmeshd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "path", *configFile, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := otel.Init(ctx, otel.FromEnv("trustmeshd"))
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	oracle, err := cfg.Oracle(os.Getenv(oraclePassEnv))
	if err != nil {
		logger.Error("failed to resolve oracle address", "error", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	node, err := core.NewNode(db, core.Options{
		EventRetention:         cfg.EventRetention,
		Oracle:                 oracle,
		RequireDistinctParties: cfg.RequireDistinctParties,
	})
	if err != nil {
		logger.Error("failed to start node", "error", err)
		os.Exit(1)
	}

	server := rpc.NewServer(node)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc server listening",
			"addr", cfg.RPCAddress,
			"network", cfg.NetworkName)
		errCh <- server.Start(cfg.RPCAddress)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("rpc server failed", "error", err)
			os.Exit(1)
		}
	}
}
