// Package lifecycle owns every mutation of an order's business status.
// No other component writes order_status directly; the guarded store
// updates behind these methods make terminal states final even when
// api and worker processes race.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"marketpay/internal/logger"
	"marketpay/internal/models"

	"go.uber.org/zap"
)

var (
	ErrTerminalState     = errors.New("order is in a terminal state")
	ErrInvalidTransition = errors.New("invalid order transition")
)

// Store is the persistence surface the machine needs.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	MarkPaid(ctx context.Context, orderID string) (int64, error)
	MarkExpired(ctx context.Context, orderID string) (int64, error)
	UpdateOrderStatus(ctx context.Context, orderID string, to models.OrderStatus, allowedFrom []models.OrderStatus) (int64, error)
	InsertObservation(ctx context.Context, obs *models.Observation) error
}

// StatusPusher mirrors business transitions to the processor.
type StatusPusher interface {
	SetOrderStatus(ctx context.Context, orderID, orderStatus string) error
}

type Machine struct {
	Store   Store
	Gateway StatusPusher

	// OnTransition, when set, is invoked after every applied
	// transition. The websocket feed hangs off this.
	OnTransition func(orderID string, status models.OrderStatus)
}

func (m *Machine) notify(orderID string, status models.OrderStatus) {
	if m.OnTransition != nil {
		m.OnTransition(orderID, status)
	}
}

// MarkPaid applies a paid observation from the poller. An underpayment
// keeps the order pending; a payment arriving after the order reached a
// terminal state is recorded as an anomaly and never applied.
func (m *Machine) MarkPaid(ctx context.Context, orderID string, received, expected string, confirmations int) error {
	if CompareAmounts(received, expected) < 0 {
		logger.Log.Warn("underpayment observed, order stays pending",
			zap.String("order_id", orderID),
			zap.String("received", received),
			zap.String("expected", expected))
		return m.Store.InsertObservation(ctx, &models.Observation{
			OrderID:        orderID,
			Status:         models.PaymentPending,
			ReceivedAmount: received,
			Confirmations:  confirmations,
			Anomaly:        "underpayment",
			ObservedAt:     time.Now().UTC(),
		})
	}

	rows, err := m.Store.MarkPaid(ctx, orderID)
	if err != nil {
		return err
	}
	if rows > 0 {
		logger.Log.Info("order paid",
			zap.String("order_id", orderID),
			zap.String("received", received),
			zap.Int("confirmations", confirmations))
		m.notify(orderID, models.OrderPaid)
		return m.Store.InsertObservation(ctx, &models.Observation{
			OrderID:        orderID,
			Status:         models.PaymentPaid,
			ReceivedAmount: received,
			Confirmations:  confirmations,
			ObservedAt:     time.Now().UTC(),
		})
	}

	// Guard lost: either a duplicate paid event (no-op) or a payment
	// landing on a terminal order (anomaly, not auto-corrected).
	order, err := m.Store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.OrderStatus.Terminal() {
		logger.Log.Warn("paid observation after terminal state, not applied",
			zap.String("order_id", orderID),
			zap.String("order_status", string(order.OrderStatus)),
			zap.String("received", received),
			zap.Time("created_at", order.CreatedAt))
		return m.Store.InsertObservation(ctx, &models.Observation{
			OrderID:        orderID,
			Status:         models.PaymentPaid,
			ReceivedAmount: received,
			Confirmations:  confirmations,
			Anomaly:        fmt.Sprintf("paid after terminal state %s", order.OrderStatus),
			ObservedAt:     time.Now().UTC(),
		})
	}
	return nil
}

// MarkProcessing records that a payment was sighted on-chain but is not
// yet final. Only a pending order moves; anything else is a no-op.
func (m *Machine) MarkProcessing(ctx context.Context, orderID string) error {
	rows, err := m.Store.UpdateOrderStatus(ctx, orderID, models.OrderProcessing, []models.OrderStatus{models.OrderPendingPayment})
	if err != nil {
		return err
	}
	if rows == 0 {
		return nil
	}
	logger.Log.Info("order processing", zap.String("order_id", orderID))
	m.notify(orderID, models.OrderProcessing)
	return nil
}

// Expire cancels an order whose payment window lapsed with no payment.
// If the paid transition won the race the guard matches nothing and the
// expiry is dropped.
func (m *Machine) Expire(ctx context.Context, orderID string) error {
	rows, err := m.Store.MarkExpired(ctx, orderID)
	if err != nil {
		return err
	}
	if rows == 0 {
		logger.Log.Debug("expiry skipped, order already left pending",
			zap.String("order_id", orderID))
		return nil
	}
	logger.Log.Info("order expired", zap.String("order_id", orderID))
	m.notify(orderID, models.OrderCancelled)
	m.pushStatus(ctx, orderID, models.OrderCancelled)
	return nil
}

// Cancel is the explicit-cancel path (buyer or admin initiated). A
// repeated cancel is a no-op; cancelling a completed order fails.
func (m *Machine) Cancel(ctx context.Context, orderID string) error {
	rows, err := m.Store.UpdateOrderStatus(ctx, orderID, models.OrderCancelled, []models.OrderStatus{
		models.OrderPendingPayment,
		models.OrderProcessing,
		models.OrderPaid,
		models.OrderDisputed,
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		order, err := m.Store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.OrderStatus == models.OrderCancelled {
			return nil
		}
		return fmt.Errorf("cancel %s from %s: %w", orderID, order.OrderStatus, ErrTerminalState)
	}
	logger.Log.Info("order cancelled", zap.String("order_id", orderID))
	m.notify(orderID, models.OrderCancelled)
	m.pushStatus(ctx, orderID, models.OrderCancelled)
	return nil
}

// MarkDelivered completes a non-escrow order once the backend reports
// delivery. Escrow orders complete only through buyer approval.
func (m *Machine) MarkDelivered(ctx context.Context, orderID string) error {
	order, err := m.Store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.UseEscrow {
		return fmt.Errorf("escrow order %s completes via approval: %w", orderID, ErrInvalidTransition)
	}
	rows, err := m.Store.UpdateOrderStatus(ctx, orderID, models.OrderCompleted, []models.OrderStatus{models.OrderPaid})
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("deliver %s from %s: %w", orderID, order.OrderStatus, ErrInvalidTransition)
	}
	logger.Log.Info("order delivered", zap.String("order_id", orderID))
	m.notify(orderID, models.OrderCompleted)
	return nil
}

// MarkDisputed moves a paid escrow order into dispute.
func (m *Machine) MarkDisputed(ctx context.Context, orderID string) error {
	order, err := m.Store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.UseEscrow {
		return fmt.Errorf("dispute on non-escrow order %s: %w", orderID, ErrInvalidTransition)
	}
	rows, err := m.Store.UpdateOrderStatus(ctx, orderID, models.OrderDisputed, []models.OrderStatus{models.OrderPaid})
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("dispute %s from %s: %w", orderID, order.OrderStatus, ErrInvalidTransition)
	}
	logger.Log.Info("order disputed", zap.String("order_id", orderID))
	m.notify(orderID, models.OrderDisputed)
	return nil
}

// pushStatus mirrors a transition to the processor. Best effort: the
// local guarded update is authoritative, a push failure is logged and
// reconciled on the processor's side later.
func (m *Machine) pushStatus(ctx context.Context, orderID string, status models.OrderStatus) {
	if m.Gateway == nil {
		return
	}
	if err := m.Gateway.SetOrderStatus(ctx, orderID, string(status)); err != nil {
		logger.Log.Warn("status push to processor failed",
			zap.String("order_id", orderID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// CompareAmounts compares two decimal amount strings. Unparseable
// input compares as equal, matching how the processor treats garbage.
func CompareAmounts(a, b string) int {
	ar, ok1 := new(big.Rat).SetString(a)
	br, ok2 := new(big.Rat).SetString(b)
	if !ok1 || !ok2 {
		return 0
	}
	return ar.Cmp(br)
}
