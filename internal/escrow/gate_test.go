package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketpay/internal/gateway"
	"marketpay/internal/models"

	"github.com/stretchr/testify/require"
)

type gateStore struct {
	mu    sync.Mutex
	order *models.Order
}

func (s *gateStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil || s.order.OrderID != orderID {
		return nil, errors.New("no rows")
	}
	cp := *s.order
	return &cp, nil
}

func (s *gateStore) ConfirmOrder(ctx context.Context, orderID string, confirmedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.order
	if o == nil || o.OrderID != orderID {
		return 0, nil
	}
	if !o.UseEscrow || o.OrderStatus != models.OrderPaid || o.ConfirmedAt != nil {
		return 0, nil
	}
	o.ConfirmedAt = &confirmedAt
	o.OrderStatus = models.OrderCompleted
	return 1, nil
}

type mockReleaser struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *mockReleaser) ConfirmOrder(ctx context.Context, orderID string) (*gateway.OrderRepr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &gateway.OrderRepr{OrderID: orderID, OrderStatus: "completed"}, nil
}

func paidEscrowOrder(id string) *models.Order {
	now := time.Now().UTC()
	return &models.Order{
		OrderID:        id,
		Currency:       models.CurrencyBTC,
		ExpectedAmount: "0.05",
		PaymentAddress: "bc1q" + id,
		UseEscrow:      true,
		PaymentStatus:  models.PaymentPaid,
		OrderStatus:    models.OrderPaid,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestApproveSetsConfirmedAtOnce(t *testing.T) {
	st := &gateStore{order: paidEscrowOrder("ORD-2")}
	releaser := &mockReleaser{}
	g := NewGate(st, releaser)

	order, err := g.Approve(context.Background(), "ORD-2")
	require.NoError(t, err)
	require.NotNil(t, order.ConfirmedAt)
	require.Equal(t, models.OrderCompleted, order.OrderStatus)
	require.Equal(t, 1, releaser.calls)

	firstConfirmed := *st.order.ConfirmedAt

	// Second approval fails and changes nothing.
	_, err = g.Approve(context.Background(), "ORD-2")
	require.ErrorIs(t, err, ErrAlreadyApproved)
	require.Equal(t, firstConfirmed, *st.order.ConfirmedAt)
	require.Equal(t, 1, releaser.calls)
}

func TestApproveRequiresPaidState(t *testing.T) {
	order := paidEscrowOrder("ORD-3")
	order.OrderStatus = models.OrderPendingPayment
	order.PaymentStatus = models.PaymentPending
	st := &gateStore{order: order}
	g := NewGate(st, &mockReleaser{})

	_, err := g.Approve(context.Background(), "ORD-3")
	require.ErrorIs(t, err, ErrInvalidState)
	require.Nil(t, st.order.ConfirmedAt)
	require.Equal(t, models.OrderPendingPayment, st.order.OrderStatus)
}

func TestApproveRequiresEscrow(t *testing.T) {
	order := paidEscrowOrder("ORD-4")
	order.UseEscrow = false
	st := &gateStore{order: order}
	g := NewGate(st, &mockReleaser{})

	_, err := g.Approve(context.Background(), "ORD-4")
	require.ErrorIs(t, err, ErrInvalidState)
	require.Nil(t, st.order.ConfirmedAt)
}

func TestApproveSurvivesReleaseFailure(t *testing.T) {
	st := &gateStore{order: paidEscrowOrder("ORD-5")}
	releaser := &mockReleaser{err: errors.New("processor down")}
	g := NewGate(st, releaser)

	// The guarded confirm is the exactly-once point; a failed release
	// signal does not roll it back.
	order, err := g.Approve(context.Background(), "ORD-5")
	require.NoError(t, err)
	require.NotNil(t, order.ConfirmedAt)
	require.NotNil(t, st.order.ConfirmedAt)
}

func TestApproveFixedClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &gateStore{order: paidEscrowOrder("ORD-6")}
	g := NewGate(st, nil)
	g.nowFn = func() time.Time { return at }

	order, err := g.Approve(context.Background(), "ORD-6")
	require.NoError(t, err)
	require.Equal(t, at, *order.ConfirmedAt)
}
