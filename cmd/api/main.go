package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketpay/internal/allocator"
	"marketpay/internal/config"
	"marketpay/internal/db"
	"marketpay/internal/escrow"
	"marketpay/internal/expiry"
	"marketpay/internal/gateway"
	internalhttp "marketpay/internal/http"
	"marketpay/internal/lifecycle"
	"marketpay/internal/logger"
	"marketpay/internal/poller"
	"marketpay/internal/store"
	"marketpay/internal/wallet"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := logger.Initialize(cfg.Log.Level); err != nil {
		log.Fatalf("logger init failed: %v", err)
	}

	ctx := context.Background()
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

	hub := internalhttp.NewHub()
	machine := &lifecycle.Machine{
		Store:        st,
		Gateway:      gw,
		OnTransition: hub.BroadcastOrderStatus,
	}

	var source allocator.AddressSource
	if cfg.Wallet.XPub != "" {
		source = allocator.WalletSource{
			Deriver:   wallet.AddressDeriver{XPub: cfg.Wallet.XPub, HRP: cfg.Wallet.HRP},
			Sequencer: st,
		}
	} else {
		source = allocator.GatewaySource{Gateway: gw}
	}
	alloc := &allocator.Allocator{
		Store:        st,
		Source:       source,
		TTL:          time.Duration(cfg.Orders.TTLSeconds) * time.Second,
		EscrowFeeBps: cfg.Orders.EscrowFeeBps,
	}

	gate := escrow.NewGate(st, gw)
	gate.OnApproved = hub.BroadcastOrderStatus

	rec := expiry.New(machine, st, time.Duration(cfg.Orders.TTLSeconds)*time.Second)

	// Polling belongs to the worker process. A deployment without a
	// worker opts in here; running both would give every order two
	// concurrent poll loops.
	var pol *poller.Poller
	if cfg.Poller.APIEnabled {
		pol = poller.New(gw, machine,
			time.Duration(cfg.Poller.SearchIntervalSeconds)*time.Second,
			time.Duration(cfg.Poller.ConfirmedIntervalMinutes)*time.Minute,
			cfg.Poller.RetryBudget)
	}

	h := internalhttp.NewHandler(alloc, gate, machine, st, rec, pol, hub)
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		logger.Log.Sugar().Infof("api listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	if pol != nil {
		pol.StopAll()
	}
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
