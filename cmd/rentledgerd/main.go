package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rentledger/config"
	"rentledger/core"
	"rentledger/native/common"
	"rentledger/observability/logging"
	"rentledger/rpc"
	"rentledger/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "path to the daemon configuration file")
	flag.Parse()

	logger := logging.Setup("rentledgerd", os.Getenv("RENTLEDGER_ENV"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	node := core.NewNode(db, core.Options{
		Step2Window:    cfg.Step2WindowDuration(),
		Step4Window:    cfg.Step4WindowDuration(),
		PlatformFeeBps: cfg.PlatformFeeBps,
		SweepInterval:  cfg.SweepIntervalDuration(),
		PausedModules:  cfg.PausedModules,
		BidQuota: common.Quota{
			MaxRequestsPerEpoch: cfg.BidQuota.MaxBidsPerEpoch,
			MaxHoursPerEpoch:    cfg.BidQuota.MaxHoursPerEpoch,
			EpochSeconds:        cfg.BidQuota.EpochSeconds,
		},
		Logger: logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.RunMonitor(ctx)

	rpcServer := rpc.NewServer(node, cfg.RPCAuthToken)
	srv := &http.Server{
		Addr:    cfg.RPCAddress,
		Handler: rpcServer.Handler(),
	}
	go func() {
		logger.Info("rpc server listening", "address", cfg.RPCAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("rpc listen", "error", err)
			os.Exit(1)
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			logger.Info("metrics listening", "address", cfg.MetricsAddress)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listen", "error", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}
