package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketpay/internal/allocator"
	"marketpay/internal/expiry"
	"marketpay/internal/models"

	"github.com/stretchr/testify/require"
)

type handlerStore struct {
	created []*models.Order
}

func (s *handlerStore) HasActiveAllocation(ctx context.Context, orderID string, now time.Time, ttl time.Duration) (bool, error) {
	return false, nil
}

func (s *handlerStore) CreateOrder(ctx context.Context, order *models.Order) (int64, error) {
	s.created = append(s.created, order)
	return 1, nil
}

type staticSource struct{}

func (staticSource) Allocate(ctx context.Context, req allocator.CreatePaymentRequest, expectedAmount string) (string, string, error) {
	return "bc1qhandler", "", nil
}

// Polling is the worker's job in the split deployment; the api handler
// must allocate fine with no local poller wired.
func TestCreatePaymentWithoutLocalPoller(t *testing.T) {
	st := &handlerStore{}
	h := &Handler{
		Allocator: &allocator.Allocator{
			Store:  st,
			Source: staticSource{},
			TTL:    30 * time.Minute,
		},
		Reconciler: expiry.New(nil, nil, 30*time.Minute),
		Poller:     nil,
	}

	req := httptest.NewRequest("POST", "/payments", strings.NewReader(
		`{"order_id":"ORD-1","crypto_currency":"BTC","amount":"0.001"}`))
	rec := httptest.NewRecorder()
	h.CreatePayment(rec, req)

	require.Equal(t, 200, rec.Code, rec.Body.String())
	var resp orderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ORD-1", resp.OrderID)
	require.Equal(t, "bc1qhandler", resp.PaymentAddress)
	require.Len(t, st.created, 1)
}
