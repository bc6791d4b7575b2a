package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(StatusResult{Status: "pending"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token")
	res, err := c.PaymentStatus(context.Background(), "ORD-1")
	require.NoError(t, err)
	require.Equal(t, "Bearer secret-token", gotAuth)
	require.Equal(t, "pending", res.Status)
}

func TestClientDecodesStatusResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payments/status/ORD-2", r.URL.Path)
		_ = json.NewEncoder(w).Encode(StatusResult{
			Status:                "paid",
			ReceivedAmount:        "0.001",
			ExpectedAmount:        "0.001",
			Confirmations:         2,
			RequiredConfirmations: 2,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	res, err := c.PaymentStatus(context.Background(), "ORD-2")
	require.NoError(t, err)
	require.Equal(t, "paid", res.Status)
	require.Equal(t, 2, res.Confirmations)
}

func TestClientCreateAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/payments/addresses", r.URL.Path)
		var req CreateAddressRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "ORD-3", req.OrderID)
		require.True(t, req.UseEscrow)
		_ = json.NewEncoder(w).Encode(AddressAllocation{
			PaymentAddress: "bc1qexample",
			ExpectedAmount: "0.00101",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	alloc, err := c.CreateAddress(context.Background(), CreateAddressRequest{
		OrderID:        "ORD-3",
		CryptoCurrency: "BTC",
		Amount:         "0.001",
		UseEscrow:      true,
	})
	require.NoError(t, err)
	require.Equal(t, "bc1qexample", alloc.PaymentAddress)
}

func TestClientTypedErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orders/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/orders/locked":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.GetOrder(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = c.GetOrder(context.Background(), "locked")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.GetOrder(context.Background(), "other")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestMultiClientFailsOver(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	var goodHits int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&goodHits, 1)
		_ = json.NewEncoder(w).Encode(StatusResult{Status: "pending"})
	}))
	defer good.Close()

	m, err := NewMultiClient([]string{bad.URL, good.URL}, "", 1)
	require.NoError(t, err)

	res, err := m.PaymentStatus(context.Background(), "ORD-4")
	require.NoError(t, err)
	require.Equal(t, "pending", res.Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&goodHits))
	require.Equal(t, good.URL, m.BaseURL())
}

func TestMultiClientDoesNotFailOverOnTypedRejection(t *testing.T) {
	var secondHits int32
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&secondHits, 1)
		_ = json.NewEncoder(w).Encode(StatusResult{Status: "pending"})
	}))
	defer second.Close()

	m, err := NewMultiClient([]string{first.URL, second.URL}, "", 1)
	require.NoError(t, err)

	_, err = m.PaymentStatus(context.Background(), "ORD-5")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int32(0), atomic.LoadInt32(&secondHits))
}

func TestMultiClientRejectsEmptyEndpoints(t *testing.T) {
	_, err := NewMultiClient(nil, "", 3)
	require.Error(t, err)
	_, err = NewMultiClient([]string{" ", ""}, "", 3)
	require.Error(t, err)
}
