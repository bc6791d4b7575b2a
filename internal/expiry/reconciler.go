// Package expiry enforces the payment window. Remaining time is always
// derived from the server-side creation timestamp, never from when an
// observer started watching, so restarts and reloads cannot stretch
// the window.
package expiry

import (
	"context"
	"sync"
	"time"

	"marketpay/internal/logger"
	"marketpay/internal/models"

	"go.uber.org/zap"
)

// Canceller applies the timeout transition. Expire is guarded, so a
// retried or racing trigger never produces a duplicate side effect.
type Canceller interface {
	Expire(ctx context.Context, orderID string) error
}

type Store interface {
	ListPendingOrders(ctx context.Context) ([]*models.Order, error)
}

type Reconciler struct {
	Machine Canceller
	Store   Store
	TTL     time.Duration

	nowFn      func() time.Time
	maxBackoff time.Duration

	mu     sync.Mutex
	timers map[string]*watchHandle
}

type watchHandle struct {
	cancel context.CancelFunc
}

func New(machine Canceller, store Store, ttl time.Duration) *Reconciler {
	if ttl <= 0 {
		ttl = 1800 * time.Second
	}
	return &Reconciler{
		Machine:    machine,
		Store:      store,
		TTL:        ttl,
		nowFn:      time.Now,
		maxBackoff: 30 * time.Second,
		timers:     make(map[string]*watchHandle),
	}
}

// Remaining computes the time left in the payment window. Never
// negative: past the deadline it is exactly zero.
func Remaining(createdAt, now time.Time, ttl time.Duration) time.Duration {
	remaining := createdAt.Add(ttl).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (r *Reconciler) Remaining(createdAt time.Time) time.Duration {
	return Remaining(createdAt, r.nowFn(), r.TTL)
}

// Watch arms the expiry timer for one order. Watching an order that is
// already past its deadline fires immediately. Re-watching an order
// replaces its timer.
func (r *Reconciler) Watch(ctx context.Context, order *models.Order) {
	if order.OrderStatus != models.OrderPendingPayment {
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	h := &watchHandle{cancel: cancel}
	r.mu.Lock()
	if prev, ok := r.timers[order.OrderID]; ok {
		prev.cancel()
	}
	r.timers[order.OrderID] = h
	r.mu.Unlock()

	go r.run(watchCtx, order, h)
}

// Unwatch disarms the timer, typically once the order is paid.
func (r *Reconciler) Unwatch(orderID string) {
	r.mu.Lock()
	if h, ok := r.timers[orderID]; ok {
		h.cancel()
		delete(r.timers, orderID)
	}
	r.mu.Unlock()
}

// Resync reconciles timers against the store: orders already past the
// deadline are cancelled now, the rest get fresh timers. Run on
// startup and periodically; client-side countdowns are advisory only.
func (r *Reconciler) Resync(ctx context.Context) error {
	orders, err := r.Store.ListPendingOrders(ctx)
	if err != nil {
		return err
	}
	for _, order := range orders {
		r.Watch(ctx, order)
	}
	return nil
}

func (r *Reconciler) run(ctx context.Context, order *models.Order, h *watchHandle) {
	defer r.remove(order.OrderID, h)

	remaining := r.Remaining(order.CreatedAt)
	if remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	// The window is over. Fire the cancel transition once; on a
	// transient failure retry with capped backoff instead of
	// re-triggering side effects.
	backoff := time.Second
	for {
		err := r.Machine.Expire(ctx, order.OrderID)
		if err == nil {
			return
		}
		logger.Log.Warn("expiry cancel failed, will retry",
			zap.String("order_id", order.OrderID),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
}

// remove drops the registry entry only if it still belongs to this
// run; a replacing Watch must not lose its fresh timer.
func (r *Reconciler) remove(orderID string, h *watchHandle) {
	r.mu.Lock()
	if r.timers[orderID] == h {
		delete(r.timers, orderID)
	}
	r.mu.Unlock()
}
