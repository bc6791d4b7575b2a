package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MultiClient fronts an ordered list of processor endpoints and rotates
// to the next one after failThreshold consecutive failures on the
// current endpoint.
type MultiClient struct {
	clients       []*Client
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiClient(endpoints []string, token string, failThreshold int) (*MultiClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("gateway endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*Client, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewClient(ep, token))
	}
	return &MultiClient{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index].baseURL
}

func (m *MultiClient) CreateAddress(ctx context.Context, req CreateAddressRequest) (*AddressAllocation, error) {
	var out *AddressAllocation
	err := m.attempt(func(c *Client) error {
		var err error
		out, err = c.CreateAddress(ctx, req)
		return err
	})
	return out, err
}

func (m *MultiClient) PaymentStatus(ctx context.Context, orderID string) (*StatusResult, error) {
	var out *StatusResult
	err := m.attempt(func(c *Client) error {
		var err error
		out, err = c.PaymentStatus(ctx, orderID)
		return err
	})
	return out, err
}

func (m *MultiClient) ConfirmOrder(ctx context.Context, orderID string) (*OrderRepr, error) {
	var out *OrderRepr
	err := m.attempt(func(c *Client) error {
		var err error
		out, err = c.ConfirmOrder(ctx, orderID)
		return err
	})
	return out, err
}

func (m *MultiClient) SetOrderStatus(ctx context.Context, orderID, orderStatus string) error {
	return m.attempt(func(c *Client) error {
		return c.SetOrderStatus(ctx, orderID, orderStatus)
	})
}

func (m *MultiClient) GetOrder(ctx context.Context, orderID string) (*OrderRepr, error) {
	var out *OrderRepr
	err := m.attempt(func(c *Client) error {
		var err error
		out, err = c.GetOrder(ctx, orderID)
		return err
	})
	return out, err
}

func (m *MultiClient) FindByPaymentAddress(ctx context.Context, address string) (*OrderRepr, error) {
	var out *OrderRepr
	err := m.attempt(func(c *Client) error {
		var err error
		out, err = c.FindByPaymentAddress(ctx, address)
		return err
	})
	return out, err
}

// attempt runs fn against the current endpoint, rotating to the next
// one after failThreshold consecutive failures. Typed rejections (not
// found, unauthorized) come from the processor itself and are not
// failover material.
func (m *MultiClient) attempt(fn func(*Client) error) error {
	var lastErr error
	for i := 0; i < len(m.clients); i++ {
		client, idx := m.current()
		err := fn(client)
		if err == nil {
			m.noteSuccess(idx)
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) {
			return err
		}
		lastErr = err
		if m.noteFailure(idx) {
			m.rotate()
		}
	}
	return lastErr
}

func (m *MultiClient) current() (*Client, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiClient) noteSuccess(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiClient) noteFailure(idx int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index != idx {
		return false
	}
	m.failCount++
	return m.failCount >= m.failThreshold
}

func (m *MultiClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
