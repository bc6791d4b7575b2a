// Package gateway is the REST client for the external payment
// processor: the service that hands out deposit addresses and watches
// the chain for incoming payments.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("gateway: not found")
	ErrUnauthorized = errors.New("gateway: unauthorized")
)

type CreateAddressRequest struct {
	OrderID        string `json:"order_id"`
	CryptoCurrency string `json:"crypto_currency"`
	Amount         string `json:"amount"`
	PaymentType    string `json:"payment_type"`
	UseEscrow      bool   `json:"use_escrow"`
}

type AddressAllocation struct {
	PaymentAddress string `json:"payment_address"`
	ExpectedAmount string `json:"expected_amount"`
}

type StatusResult struct {
	Status                string `json:"status"`
	ReceivedAmount        string `json:"received_amount"`
	ExpectedAmount        string `json:"expected_amount"`
	Confirmations         int    `json:"confirmations"`
	RequiredConfirmations int    `json:"required_confirmations"`
}

type OrderRepr struct {
	OrderID        string `json:"order_id"`
	OrderStatus    string `json:"order_status"`
	PaymentStatus  string `json:"payment_status"`
	PaymentAddress string `json:"payment_address"`
	ExpectedAmount string `json:"expected_amount"`
	CreatedAt      string `json:"created_at"`
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) CreateAddress(ctx context.Context, req CreateAddressRequest) (*AddressAllocation, error) {
	var out AddressAllocation
	if err := c.doJSON(ctx, http.MethodPost, "/payments/addresses", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PaymentStatus(ctx context.Context, orderID string) (*StatusResult, error) {
	var out StatusResult
	path := "/payments/status/" + url.PathEscape(orderID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ConfirmOrder(ctx context.Context, orderID string) (*OrderRepr, error) {
	var out OrderRepr
	path := "/orders/" + url.PathEscape(orderID) + "/confirm"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetOrderStatus(ctx context.Context, orderID, orderStatus string) error {
	path := "/orders/" + url.PathEscape(orderID) + "/status"
	body := map[string]string{"order_status": orderStatus}
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderRepr, error) {
	var out OrderRepr
	if err := c.doJSON(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListOrders(ctx context.Context) ([]OrderRepr, error) {
	var out []OrderRepr
	if err := c.doJSON(ctx, http.MethodGet, "/orders", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FindByPaymentAddress(ctx context.Context, address string) (*OrderRepr, error) {
	var out OrderRepr
	body := map[string]string{"address": address}
	if err := c.doJSON(ctx, http.MethodPost, "/orders/find_by_payment_address", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg != "" {
			return fmt.Errorf("gateway http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("gateway http status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
