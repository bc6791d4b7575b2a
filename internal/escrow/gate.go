// Package escrow implements the buyer approval gate: the only path
// that sets confirmedAt and releases held funds to the vendor. There
// is no automatic release; the "48h auto-release" seen in dashboard
// copy is display text with no timer behind it.
package escrow

import (
	"context"
	"errors"
	"time"

	"marketpay/internal/gateway"
	"marketpay/internal/logger"
	"marketpay/internal/models"

	"go.uber.org/zap"
)

var (
	ErrInvalidState    = errors.New("order is not awaiting escrow approval")
	ErrAlreadyApproved = errors.New("order already approved")
)

type Store interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ConfirmOrder(ctx context.Context, orderID string, confirmedAt time.Time) (int64, error)
}

// Releaser signals the processor to release held funds.
type Releaser interface {
	ConfirmOrder(ctx context.Context, orderID string) (*gateway.OrderRepr, error)
}

type Gate struct {
	Store   Store
	Gateway Releaser

	// OnApproved, when set, is invoked after a successful approval.
	OnApproved func(orderID string, status models.OrderStatus)

	nowFn func() time.Time
}

func NewGate(store Store, releaser Releaser) *Gate {
	return &Gate{Store: store, Gateway: releaser, nowFn: time.Now}
}

// Approve releases a held escrow payment. Preconditions: escrow order,
// paid, not yet approved. The guarded confirm update is the
// exactly-once point; a second call fails with ErrAlreadyApproved and
// has no side effect.
func (g *Gate) Approve(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := g.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.ConfirmedAt != nil {
		return nil, ErrAlreadyApproved
	}
	if !order.UseEscrow || order.OrderStatus != models.OrderPaid {
		return nil, ErrInvalidState
	}

	now := g.nowFn().UTC()
	rows, err := g.Store.ConfirmOrder(ctx, orderID, now)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Lost a race since the read above. Re-read to report the
		// precise failure.
		current, err := g.Store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if current.ConfirmedAt != nil {
			return nil, ErrAlreadyApproved
		}
		return nil, ErrInvalidState
	}

	logger.Log.Info("escrow approved",
		zap.String("order_id", orderID),
		zap.Time("confirmed_at", now))

	if g.Gateway != nil {
		if _, err := g.Gateway.ConfirmOrder(ctx, orderID); err != nil {
			// The local approval is authoritative; the release
			// signal is reconciled processor-side.
			logger.Log.Warn("fund release signal failed",
				zap.String("order_id", orderID),
				zap.Error(err))
		}
	}

	if g.OnApproved != nil {
		g.OnApproved(orderID, models.OrderCompleted)
	}

	order.ConfirmedAt = &now
	order.OrderStatus = models.OrderCompleted
	order.UpdatedAt = now
	return order, nil
}
