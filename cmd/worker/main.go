// The worker owns payment detection and expiry for every open order,
// independent of any dashboard tab or api process staying up.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/db"
	"marketpay/internal/expiry"
	"marketpay/internal/gateway"
	"marketpay/internal/lifecycle"
	"marketpay/internal/logger"
	"marketpay/internal/models"
	"marketpay/internal/poller"
	"marketpay/internal/store"
	"marketpay/internal/worker"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := logger.Initialize(cfg.Log.Level); err != nil {
		log.Fatalf("logger init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	gw, err := gateway.NewMultiClient(cfg.Gateway.Endpoints, cfg.Gateway.Token, cfg.Gateway.FailoverThreshold)
	if err != nil {
		log.Fatalf("gateway client failed: %v", err)
	}

	machine := &lifecycle.Machine{Store: st, Gateway: gw}
	rec := expiry.New(machine, st, time.Duration(cfg.Orders.TTLSeconds)*time.Second)
	pol := poller.New(gw, machine,
		time.Duration(cfg.Poller.SearchIntervalSeconds)*time.Second,
		time.Duration(cfg.Poller.ConfirmedIntervalMinutes)*time.Minute,
		cfg.Poller.RetryBudget)

	sup := &worker.Supervisor{
		Store:  st,
		Expiry: rec,
		Poller: pol,
		OnUpdate: func(u poller.Update) {
			if u.Status == models.PaymentPaid || u.Status == models.PaymentExpired {
				rec.Unwatch(u.OrderID)
			}
		},
	}

	logger.Log.Info("worker started", zap.String("gateway", gw.BaseURL()))
	if err := sup.Resync(ctx); err != nil {
		logger.Log.Error("resync failed", zap.Error(err))
	}

	ticker := time.NewTicker(time.Duration(cfg.Worker.ResyncIntervalSeconds) * time.Second)
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if err := sup.Resync(ctx); err != nil {
				logger.Log.Error("resync failed", zap.Error(err))
			}
		case <-stop:
			cancel()
			pol.StopAll()
			return
		}
	}
}
