// Package worker re-arms payment polling and expiry timers for every
// open order, so detection survives process restarts and never depends
// on an api process or a dashboard tab staying up.
package worker

import (
	"context"

	"marketpay/internal/logger"
	"marketpay/internal/models"
	"marketpay/internal/poller"

	"go.uber.org/zap"
)

type OrderLister interface {
	ListOpenOrders(ctx context.Context) ([]*models.Order, error)
}

type ExpiryResyncer interface {
	Resync(ctx context.Context) error
}

type PollerRegistry interface {
	Ensure(ctx context.Context, order *models.Order, onUpdate func(poller.Update)) *poller.Handle
	ActiveCount() int
}

type Supervisor struct {
	Store    OrderLister
	Expiry   ExpiryResyncer
	Poller   PollerRegistry
	OnUpdate func(poller.Update)
}

// Resync re-arms expiry timers and makes sure every open order has a
// poll loop — pending_payment and processing alike. An order sighted
// mid-confirmation before a restart is picked up again here.
func (s *Supervisor) Resync(ctx context.Context) error {
	if err := s.Expiry.Resync(ctx); err != nil {
		return err
	}
	orders, err := s.Store.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, order := range orders {
		s.Poller.Ensure(ctx, order, s.OnUpdate)
	}
	logger.Log.Debug("resync complete",
		zap.Int("open", len(orders)),
		zap.Int("active_pollers", s.Poller.ActiveCount()))
	return nil
}
