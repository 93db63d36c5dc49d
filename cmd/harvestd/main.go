package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"harvest/config"
	"harvest/core"
	"harvest/gateway"
	"harvest/observability/logging"
	"harvest/rpc"
	"harvest/storage"
)

func main() {
	configFile := flag.String("config", "./harvest.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("HARVEST_ENV"))
	logger := logging.Setup("harvestd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	nodeCfg, err := cfg.NodeConfig()
	if err != nil {
		logger.Error("failed to resolve node config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.Node.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	node, err := core.NewNode(db, nodeCfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}
	node.SetLogger(logger)

	rpcServer := rpc.NewServer(node)
	rpcServer.SetRateLimit(cfg.RPC.RequestsPerSecond, cfg.RPC.Burst)

	gatewayHandler := gateway.New(node, cfg.GatewayConfig(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{
		{Addr: cfg.RPC.Listen, Handler: rpcServer.Handler(), ReadHeaderTimeout: 5 * time.Second},
		{Addr: cfg.Gateway.Listen, Handler: gatewayHandler, ReadHeaderTimeout: 5 * time.Second},
	}
	if cfg.Gateway.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{Addr: cfg.Gateway.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	errCh := make(chan error, len(servers))
	for _, server := range servers {
		server := server
		go func() {
			logger.Info("listening", slog.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("listen %s: %w", server.Addr, err)
			}
		}()
	}

	height, err := node.Height()
	if err != nil {
		logger.Error("failed to read ledger height", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("harvestd initialised and running",
		slog.Uint64("height", height),
		slog.String("environment", env))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server terminated", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", slog.String("addr", server.Addr), slog.Any("error", err))
		}
	}
}
