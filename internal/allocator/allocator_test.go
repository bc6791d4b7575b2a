package allocator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"marketpay/internal/models"

	"github.com/stretchr/testify/require"
)

type allocStore struct {
	mu         sync.Mutex
	active     bool
	loseInsert bool
	created    []*models.Order
}

func (s *allocStore) HasActiveAllocation(ctx context.Context, orderID string, now time.Time, ttl time.Duration) (bool, error) {
	return s.active, nil
}

func (s *allocStore) CreateOrder(ctx context.Context, order *models.Order) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loseInsert {
		return 0, nil
	}
	s.created = append(s.created, order)
	return 1, nil
}

type fakeSource struct {
	address string
	amount  string
	err     error
	calls   int
}

func (s *fakeSource) Allocate(ctx context.Context, req CreatePaymentRequest, expectedAmount string) (string, string, error) {
	s.calls++
	if s.err != nil {
		return "", "", s.err
	}
	return s.address, s.amount, nil
}

func newAllocator(st *allocStore, src AddressSource) *Allocator {
	return &Allocator{Store: st, Source: src, TTL: 1800 * time.Second, EscrowFeeBps: 100}
}

func TestCreatePaymentValidatesInput(t *testing.T) {
	st := &allocStore{}
	src := &fakeSource{address: "bc1qaddr"}
	a := newAllocator(st, src)

	cases := []struct {
		name string
		req  CreatePaymentRequest
		want error
	}{
		{"missing order id", CreatePaymentRequest{Currency: models.CurrencyBTC, Amount: "1"}, ErrMissingOrderID},
		{"bad currency", CreatePaymentRequest{OrderID: "O1", Currency: "DOGE", Amount: "1"}, ErrInvalidCurrency},
		{"zero amount", CreatePaymentRequest{OrderID: "O1", Currency: models.CurrencyBTC, Amount: "0"}, ErrInvalidAmount},
		{"negative amount", CreatePaymentRequest{OrderID: "O1", Currency: models.CurrencyBTC, Amount: "-0.5"}, ErrInvalidAmount},
		{"garbage amount", CreatePaymentRequest{OrderID: "O1", Currency: models.CurrencyBTC, Amount: "lots"}, ErrInvalidAmount},
		{"empty amount", CreatePaymentRequest{OrderID: "O1", Currency: models.CurrencyBTC, Amount: ""}, ErrInvalidAmount},
		{"fraction amount", CreatePaymentRequest{OrderID: "O1", Currency: models.CurrencyBTC, Amount: "1/2"}, ErrInvalidAmount},
		{"exponent amount", CreatePaymentRequest{OrderID: "O1", Currency: models.CurrencyBTC, Amount: "1e-3"}, ErrInvalidAmount},
		{"leading dot", CreatePaymentRequest{OrderID: "O1", Currency: models.CurrencyBTC, Amount: ".5"}, ErrInvalidAmount},
		{"trailing dot", CreatePaymentRequest{OrderID: "O1", Currency: models.CurrencyBTC, Amount: "5."}, ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.CreatePayment(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Zero(t, src.calls, "invalid input must not reach the source")
	require.Empty(t, st.created)
}

func TestCreatePaymentRejectsActiveAllocation(t *testing.T) {
	st := &allocStore{active: true}
	src := &fakeSource{address: "bc1qaddr"}
	a := newAllocator(st, src)

	_, err := a.CreatePayment(context.Background(), CreatePaymentRequest{
		OrderID: "O2", Currency: models.CurrencyBTC, Amount: "0.001",
	})
	require.ErrorIs(t, err, ErrActiveAllocation)
	require.Zero(t, src.calls)
}

func TestCreatePaymentInsertRaceReturnsActiveAllocation(t *testing.T) {
	st := &allocStore{loseInsert: true}
	src := &fakeSource{address: "bc1qaddr"}
	a := newAllocator(st, src)

	_, err := a.CreatePayment(context.Background(), CreatePaymentRequest{
		OrderID: "O9", Currency: models.CurrencyBTC, Amount: "0.001",
	})
	require.ErrorIs(t, err, ErrActiveAllocation)
	require.Empty(t, st.created)
}

func TestCreatePaymentSourceFailureLeavesNoOrder(t *testing.T) {
	st := &allocStore{}
	src := &fakeSource{err: errors.New("processor unavailable")}
	a := newAllocator(st, src)

	_, err := a.CreatePayment(context.Background(), CreatePaymentRequest{
		OrderID: "O3", Currency: models.CurrencyBTC, Amount: "0.001",
	})
	require.Error(t, err)
	require.Empty(t, st.created, "failed allocation must not write a half-created order")
}

func TestCreatePaymentEscrowFee(t *testing.T) {
	st := &allocStore{}
	src := &fakeSource{address: "bc1qaddr"}
	a := newAllocator(st, src)

	order, err := a.CreatePayment(context.Background(), CreatePaymentRequest{
		OrderID: "O4", Currency: models.CurrencyBTC, Amount: "0.001", UseEscrow: true,
	})
	require.NoError(t, err)
	// 100 bps on 0.001.
	require.Equal(t, "0.00101", order.ExpectedAmount)
	require.True(t, order.UseEscrow)
	require.Equal(t, models.OrderPendingPayment, order.OrderStatus)
	require.Equal(t, models.PaymentPending, order.PaymentStatus)
}

func TestCreatePaymentNonEscrowHasNoFee(t *testing.T) {
	st := &allocStore{}
	src := &fakeSource{address: "bc1qaddr"}
	a := newAllocator(st, src)

	order, err := a.CreatePayment(context.Background(), CreatePaymentRequest{
		OrderID: "O5", Currency: models.CurrencyBTC, Amount: "0.001",
	})
	require.NoError(t, err)
	require.Equal(t, "0.001", order.ExpectedAmount)
}

func TestCreatePaymentSourceAmountWins(t *testing.T) {
	st := &allocStore{}
	src := &fakeSource{address: "bc1qaddr", amount: "0.0010123"}
	a := newAllocator(st, src)

	order, err := a.CreatePayment(context.Background(), CreatePaymentRequest{
		OrderID: "O6", Currency: models.CurrencyBTC, Amount: "0.001",
	})
	require.NoError(t, err)
	require.Equal(t, "0.0010123", order.ExpectedAmount)
}

func TestRetryGetsFreshAttempt(t *testing.T) {
	st := &allocStore{}
	src := &fakeSource{err: errors.New("down")}
	a := newAllocator(st, src)

	req := CreatePaymentRequest{OrderID: "O7", Currency: models.CurrencyBTC, Amount: "0.001"}
	_, err := a.CreatePayment(context.Background(), req)
	require.Error(t, err)

	src.err = nil
	src.address = "bc1qfresh"
	first, err := a.CreatePayment(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, first.AttemptID)

	second, err := a.CreatePayment(context.Background(), CreatePaymentRequest{
		OrderID: "O8", Currency: models.CurrencyBTC, Amount: "0.001",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.AttemptID, second.AttemptID)
}

func TestFormatAmount(t *testing.T) {
	cases := map[string]string{
		"0.00100000": "0.001",
		"1":          "1",
		"0.00101":    "0.00101",
		"2.50":       "2.5",
	}
	for in, want := range cases {
		r, ok := new(big.Rat).SetString(in)
		require.True(t, ok)
		require.Equal(t, want, formatAmount(r))
	}
}
