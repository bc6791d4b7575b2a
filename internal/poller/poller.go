// Package poller watches processor payment status per order until a
// terminal status lands or the poll is stopped. At most one loop runs
// per order id.
package poller

import (
	"context"
	"sync"
	"time"

	"marketpay/internal/gateway"
	"marketpay/internal/lifecycle"
	"marketpay/internal/logger"
	"marketpay/internal/models"

	"go.uber.org/zap"
)

type StatusFetcher interface {
	PaymentStatus(ctx context.Context, orderID string) (*gateway.StatusResult, error)
}

// Update is one observed change in payment status. Err is set only
// when the consecutive-failure budget is exhausted.
type Update struct {
	OrderID               string
	Status                models.PaymentStatus
	ReceivedAmount        string
	ExpectedAmount        string
	Confirmations         int
	RequiredConfirmations int
	Err                   error
}

type Poller struct {
	Gateway           StatusFetcher
	Machine           *lifecycle.Machine
	SearchInterval    time.Duration
	ConfirmedInterval time.Duration
	RetryBudget       int

	mu     sync.Mutex
	active map[string]*Handle
}

// Handle controls one poll loop. Stop is idempotent and guarantees no
// further update callback fires after it returns, including for a
// request already in flight.
type Handle struct {
	orderID string
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
}

func (h *Handle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.cancel()
}

// Done closes when the loop has fully exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// deliver runs the callback unless the handle was stopped. Holding the
// lock across the callback is what makes Stop a hard barrier.
func (h *Handle) deliver(onUpdate func(Update), u Update) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	if onUpdate != nil {
		onUpdate(u)
	}
	return true
}

func New(fetcher StatusFetcher, machine *lifecycle.Machine, searchInterval, confirmedInterval time.Duration, retryBudget int) *Poller {
	if searchInterval <= 0 {
		searchInterval = 5 * time.Second
	}
	if confirmedInterval <= 0 {
		confirmedInterval = 2 * time.Minute
	}
	if retryBudget <= 0 {
		retryBudget = 10
	}
	return &Poller{
		Gateway:           fetcher,
		Machine:           machine,
		SearchInterval:    searchInterval,
		ConfirmedInterval: confirmedInterval,
		RetryBudget:       retryBudget,
		active:            make(map[string]*Handle),
	}
}

// Start begins polling for the order. An existing loop for the same
// order id is stopped first, so concurrent pollers per order cannot
// exist.
func (p *Poller) Start(ctx context.Context, order *models.Order, onUpdate func(Update)) *Handle {
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		orderID: order.OrderID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	if prev, ok := p.active[order.OrderID]; ok {
		prev.Stop()
	}
	p.active[order.OrderID] = h
	p.mu.Unlock()

	go p.loop(loopCtx, order, h, onUpdate)
	return h
}

// Ensure starts a loop for the order only if none is active, so the
// worker's periodic resync does not churn running pollers.
func (p *Poller) Ensure(ctx context.Context, order *models.Order, onUpdate func(Update)) *Handle {
	p.mu.Lock()
	if h, ok := p.active[order.OrderID]; ok {
		p.mu.Unlock()
		return h
	}
	p.mu.Unlock()
	return p.Start(ctx, order, onUpdate)
}

// StopAll stops every active loop. Used on shutdown.
func (p *Poller) StopAll() {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.active))
	for _, h := range p.active {
		handles = append(handles, h)
	}
	p.mu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
}

// ActiveCount reports the number of registered loops.
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Poller) remove(h *Handle) {
	p.mu.Lock()
	if p.active[h.orderID] == h {
		delete(p.active, h.orderID)
	}
	p.mu.Unlock()
}

func (p *Poller) loop(ctx context.Context, order *models.Order, h *Handle, onUpdate func(Update)) {
	defer close(h.done)
	defer p.remove(h)

	interval := p.SearchInterval
	var lastStatus models.PaymentStatus
	failures := 0

	for {
		res, err := p.Gateway.PaymentStatus(ctx, order.OrderID)
		if ctx.Err() != nil {
			// Stopped while the request was in flight; discard.
			return
		}
		if err != nil {
			failures++
			logger.Log.Debug("payment status poll failed",
				zap.String("order_id", order.OrderID),
				zap.Int("consecutive", failures),
				zap.Error(err))
			if failures >= p.RetryBudget {
				h.deliver(onUpdate, Update{OrderID: order.OrderID, Err: err})
				failures = 0
			}
		} else {
			failures = 0
			if done := p.handleResult(ctx, order, h, onUpdate, res, &lastStatus, &interval); done {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// handleResult applies one poll result. Returns true when the loop
// should stop (terminal status observed or handle stopped).
func (p *Poller) handleResult(ctx context.Context, order *models.Order, h *Handle, onUpdate func(Update), res *gateway.StatusResult, lastStatus *models.PaymentStatus, interval *time.Duration) bool {
	status := models.PaymentStatus(res.Status)
	expected := res.ExpectedAmount
	if expected == "" {
		expected = order.ExpectedAmount
	}

	update := Update{
		OrderID:               order.OrderID,
		Status:                status,
		ReceivedAmount:        res.ReceivedAmount,
		ExpectedAmount:        expected,
		Confirmations:         res.Confirmations,
		RequiredConfirmations: res.RequiredConfirmations,
	}

	confirmed := res.RequiredConfirmations > 0 &&
		res.Confirmations >= res.RequiredConfirmations &&
		lifecycle.CompareAmounts(res.ReceivedAmount, expected) >= 0

	// A "paid" report with a short amount is not final: the state
	// machine would refuse the transition, and stopping here would
	// orphan the order. Keep polling for the remainder.
	shortfall := status == models.PaymentPaid &&
		res.ReceivedAmount != "" &&
		lifecycle.CompareAmounts(res.ReceivedAmount, expected) < 0

	switch {
	case (status == models.PaymentPaid && !shortfall) || confirmed:
		update.Status = models.PaymentPaid
		if !h.deliver(onUpdate, update) {
			return true
		}
		if err := p.Machine.MarkPaid(ctx, order.OrderID, res.ReceivedAmount, expected, res.Confirmations); err != nil {
			logger.Log.Error("apply paid transition failed",
				zap.String("order_id", order.OrderID),
				zap.Error(err))
		}
		return true

	case status == models.PaymentExpired:
		if !h.deliver(onUpdate, update) {
			return true
		}
		if err := p.Machine.Expire(ctx, order.OrderID); err != nil {
			logger.Log.Error("apply expire transition failed",
				zap.String("order_id", order.OrderID),
				zap.Error(err))
		}
		return true

	default:
		// Emit only on change; identical repeats are no-ops.
		if status != *lastStatus {
			if !h.deliver(onUpdate, update) {
				return true
			}
			*lastStatus = status
		}
		// Once a payment is sighted the match phase is over; back
		// off to the confirmation interval and move the order to
		// processing.
		sighted := res.Confirmations > 0 || (res.ReceivedAmount != "" && lifecycle.CompareAmounts(res.ReceivedAmount, "0") > 0)
		if sighted && *interval != p.ConfirmedInterval {
			*interval = p.ConfirmedInterval
			if err := p.Machine.MarkProcessing(ctx, order.OrderID); err != nil {
				logger.Log.Warn("apply processing transition failed",
					zap.String("order_id", order.OrderID),
					zap.Error(err))
			}
		}
		return false
	}
}
