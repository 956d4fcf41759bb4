package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nexium/tradecore/internal/breaker"
	"github.com/nexium/tradecore/internal/bus"
	"github.com/nexium/tradecore/internal/config"
	"github.com/nexium/tradecore/internal/exchange"
	"github.com/nexium/tradecore/internal/mirror"
	"github.com/nexium/tradecore/internal/orders"
	"github.com/nexium/tradecore/internal/reconciler"
	"github.com/nexium/tradecore/internal/risk"
	"github.com/nexium/tradecore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("tradecore exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	eventBus := bus.New(zlog.Named("bus"))

	ordersBreakerCfg := cfg.Breaker
	ordersBreakerCfg.Name = "exchange-orders"
	positionsBreakerCfg := cfg.Breaker
	positionsBreakerCfg.Name = "exchange-positions"
	ordersBreaker := breaker.New(ordersBreakerCfg, zlog.Named("breaker"))
	positionsBreaker := breaker.New(positionsBreakerCfg, zlog.Named("breaker"))

	client := exchange.NewSim(cfg.Exchange, zlog.Named("exchange"))

	journal, err := orders.OpenJournal(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	riskMgr := risk.NewManager(cfg.Risk)
	recon := reconciler.New(cfg.Reconciler, zlog.Named("reconciler"), eventBus, client, positionsBreaker)
	orderMgr := orders.NewManager(cfg.Orders, zlog.Named("orders"), eventBus, riskMgr, recon, client, ordersBreaker, journal)

	var kafkaMirror *mirror.Mirror
	if cfg.Mirror.Enabled {
		kafkaMirror = mirror.New(cfg.Mirror, zlog.Named("mirror"), eventBus)
		if err := kafkaMirror.Start(); err != nil {
			return err
		}
	}

	if err := recon.Start(); err != nil {
		return err
	}
	if err := orderMgr.Start(); err != nil {
		recon.Stop()
		return err
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error("metrics listener failed", zap.Error(err))
		}
	}()

	zlog.Info("tradecore running", zap.String("metrics_addr", cfg.MetricsAddr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info("shutting down")

	orderMgr.Stop()
	recon.Stop()
	if kafkaMirror != nil {
		if err := kafkaMirror.Stop(); err != nil {
			zlog.Warn("mirror stop failed", zap.Error(err))
		}
	}
	if err := eventBus.Shutdown(); err != nil {
		zlog.Warn("bus shutdown failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return metricsSrv.Shutdown(ctx)
}
