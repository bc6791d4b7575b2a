// Package allocator creates the payment leg of an order: one deposit
// address and one expected amount, allocated exactly once per attempt.
package allocator

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"marketpay/internal/gateway"
	"marketpay/internal/logger"
	"marketpay/internal/models"
	"marketpay/internal/wallet"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrMissingOrderID   = errors.New("missing order id")
	ErrInvalidCurrency  = errors.New("unsupported currency")
	ErrInvalidAmount    = errors.New("amount must be a positive decimal")
	ErrActiveAllocation = errors.New("order already has an active allocation")
)

type CreatePaymentRequest struct {
	OrderID     string
	Currency    models.Currency
	Amount      string
	PaymentType string
	UseEscrow   bool
}

// AddressSource hands out a deposit address for one allocation attempt.
// The returned expected amount may be empty, in which case the
// allocator's locally computed amount stands.
type AddressSource interface {
	Allocate(ctx context.Context, req CreatePaymentRequest, expectedAmount string) (address string, sourceAmount string, err error)
}

type Store interface {
	HasActiveAllocation(ctx context.Context, orderID string, now time.Time, ttl time.Duration) (bool, error)
	// CreateOrder reports 0 rows when another live attempt for the
	// same order id won the insert.
	CreateOrder(ctx context.Context, order *models.Order) (int64, error)
}

type Allocator struct {
	Store        Store
	Source       AddressSource
	TTL          time.Duration
	EscrowFeeBps int64
}

// CreatePayment validates the request, obtains a fresh address and
// persists the pending order. Nothing is written locally until the
// source succeeds, so a failed attempt leaves no half-created order;
// the caller retries with the same order id and gets a new attempt.
func (a *Allocator) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*models.Order, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, ErrMissingOrderID
	}
	if !req.Currency.Valid() {
		return nil, ErrInvalidCurrency
	}
	amount, ok := parsePositiveDecimal(req.Amount)
	if !ok {
		return nil, ErrInvalidAmount
	}

	now := time.Now().UTC()
	active, err := a.Store.HasActiveAllocation(ctx, req.OrderID, now, a.TTL)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveAllocation
	}

	expected := amount
	if req.UseEscrow && a.EscrowFeeBps > 0 {
		expected = applyFeeBps(amount, a.EscrowFeeBps)
	}
	expectedStr := formatAmount(expected)

	address, sourceAmount, err := a.Source.Allocate(ctx, req, expectedStr)
	if err != nil {
		return nil, err
	}
	if sourceAmount != "" {
		expectedStr = sourceAmount
	}

	order := &models.Order{
		OrderID:        req.OrderID,
		AttemptID:      uuid.NewString(),
		Currency:       req.Currency,
		ExpectedAmount: expectedStr,
		PaymentAddress: address,
		UseEscrow:      req.UseEscrow,
		PaymentStatus:  models.PaymentPending,
		OrderStatus:    models.OrderPendingPayment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rows, err := a.Store.CreateOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// A concurrent request for the same order id won the insert
		// between the active-allocation check and here.
		return nil, ErrActiveAllocation
	}

	logger.Log.Info("payment allocated",
		zap.String("order_id", order.OrderID),
		zap.String("attempt_id", order.AttemptID),
		zap.String("currency", string(order.Currency)),
		zap.String("expected", order.ExpectedAmount),
		zap.Bool("escrow", order.UseEscrow))
	return order, nil
}

// GatewaySource allocates addresses from the payment processor.
type GatewaySource struct {
	Gateway interface {
		CreateAddress(ctx context.Context, req gateway.CreateAddressRequest) (*gateway.AddressAllocation, error)
	}
}

func (s GatewaySource) Allocate(ctx context.Context, req CreatePaymentRequest, expectedAmount string) (string, string, error) {
	alloc, err := s.Gateway.CreateAddress(ctx, gateway.CreateAddressRequest{
		OrderID:        req.OrderID,
		CryptoCurrency: string(req.Currency),
		Amount:         req.Amount,
		PaymentType:    req.PaymentType,
		UseEscrow:      req.UseEscrow,
	})
	if err != nil {
		return "", "", err
	}
	if alloc.PaymentAddress == "" {
		return "", "", errors.New("gateway returned empty payment address")
	}
	return alloc.PaymentAddress, alloc.ExpectedAmount, nil
}

// WalletSource derives addresses locally from the configured xpub,
// sequenced so no address is ever reused across orders.
type WalletSource struct {
	Deriver   wallet.AddressDeriver
	Sequencer interface {
		NextDerivationIndex(ctx context.Context) (int64, error)
	}
}

func (s WalletSource) Allocate(ctx context.Context, req CreatePaymentRequest, expectedAmount string) (string, string, error) {
	if req.Currency != models.CurrencyBTC {
		return "", "", ErrInvalidCurrency
	}
	idx, err := s.Sequencer.NextDerivationIndex(ctx)
	if err != nil {
		return "", "", err
	}
	addr, err := s.Deriver.Derive(uint32(idx))
	if err != nil {
		return "", "", err
	}
	return addr, "", nil
}

// parsePositiveDecimal accepts plain positive decimal strings only.
// big.Rat would also take fractions ("1/2") and exponent forms
// ("1e-3"), so the shape is checked before parsing.
func parsePositiveDecimal(v string) (*big.Rat, bool) {
	v = strings.TrimSpace(v)
	if !isPlainDecimal(v) {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(v)
	if !ok || r.Sign() <= 0 {
		return nil, false
	}
	return r, true
}

func isPlainDecimal(v string) bool {
	if v == "" {
		return false
	}
	dot := false
	for i, c := range v {
		switch {
		case c >= '0' && c <= '9':
		case c == '.' && !dot && i > 0 && i < len(v)-1:
			dot = true
		default:
			return false
		}
	}
	return true
}

func applyFeeBps(amount *big.Rat, bps int64) *big.Rat {
	factor := new(big.Rat).SetFrac64(10000+bps, 10000)
	return new(big.Rat).Mul(amount, factor)
}

// formatAmount renders a rat as a plain decimal with up to 8 fractional
// digits, trailing zeros trimmed.
func formatAmount(r *big.Rat) string {
	s := r.FloatString(8)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		s = "0"
	}
	return s
}
