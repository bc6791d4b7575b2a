package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"marketpay/internal/allocator"
	"marketpay/internal/escrow"
	"marketpay/internal/expiry"
	"marketpay/internal/lifecycle"
	"marketpay/internal/models"
	"marketpay/internal/poller"
	"marketpay/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

type Handler struct {
	Allocator  *allocator.Allocator
	Gate       *escrow.Gate
	Machine    *lifecycle.Machine
	Store      *store.Store
	Reconciler *expiry.Reconciler
	Poller     *poller.Poller
	Hub        *Hub
}

type createPaymentRequest struct {
	OrderID        string `json:"order_id"`
	CryptoCurrency string `json:"crypto_currency"`
	Amount         string `json:"amount"`
	PaymentType    string `json:"payment_type"`
	UseEscrow      bool   `json:"use_escrow"`
}

type orderResponse struct {
	OrderID          string `json:"orderId"`
	Status           string `json:"status"`
	StatusLabel      string `json:"statusLabel"`
	PaymentStatus    string `json:"paymentStatus"`
	CryptoCurrency   string `json:"cryptoCurrency"`
	ExpectedAmount   string `json:"expectedAmount"`
	PaymentAddress   string `json:"paymentAddress"`
	UseEscrow        bool   `json:"useEscrow"`
	AwaitingApproval bool   `json:"awaitingApproval"`
	RemainingSeconds int64  `json:"remainingSeconds"`
	CreatedAt        string `json:"createdAt"`
	ConfirmedAt      string `json:"confirmedAt,omitempty"`
}

func NewHandler(alloc *allocator.Allocator, gate *escrow.Gate, machine *lifecycle.Machine, st *store.Store, rec *expiry.Reconciler, pl *poller.Poller, hub *Hub) *Handler {
	return &Handler{
		Allocator:  alloc,
		Gate:       gate,
		Machine:    machine,
		Store:      st,
		Reconciler: rec,
		Poller:     pl,
		Hub:        hub,
	}
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	order, err := h.Allocator.CreatePayment(r.Context(), allocator.CreatePaymentRequest{
		OrderID:     req.OrderID,
		Currency:    models.Currency(req.CryptoCurrency),
		Amount:      req.Amount,
		PaymentType: req.PaymentType,
		UseEscrow:   req.UseEscrow,
	})
	if err != nil {
		switch {
		case errors.Is(err, allocator.ErrMissingOrderID):
			writeError(w, http.StatusBadRequest, "missing order id")
		case errors.Is(err, allocator.ErrInvalidCurrency):
			writeError(w, http.StatusBadRequest, "unsupported currency")
		case errors.Is(err, allocator.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, "amount must be a positive decimal")
		case errors.Is(err, allocator.ErrActiveAllocation):
			writeError(w, http.StatusConflict, "order already has an active allocation")
		default:
			writeError(w, http.StatusBadGateway, "payment allocation failed")
		}
		return
	}

	// Without a local poller the worker owns polling and expiry for
	// this order; its next resync picks it up. With one (worker-less
	// deployments), watch it here so the first update is immediate.
	if h.Poller != nil {
		bg := context.Background()
		h.Reconciler.Watch(bg, order)
		h.Poller.Start(bg, order, h.broadcastUpdate)
	}

	writeJSON(w, http.StatusOK, h.orderToResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.Store.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get order failed")
		return
	}
	writeJSON(w, http.StatusOK, h.orderToResponse(order))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Store.ListOrders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list orders failed")
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, h.orderToResponse(order))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ApproveOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.Gate.Approve(r.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, escrow.ErrAlreadyApproved):
			writeError(w, http.StatusConflict, "order already approved")
		case errors.Is(err, escrow.ErrInvalidState):
			writeError(w, http.StatusUnprocessableEntity, "order is not awaiting escrow approval")
		default:
			writeError(w, http.StatusInternalServerError, "approve order failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, h.orderToResponse(order))
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	if err := h.Machine.Cancel(r.Context(), orderID); err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, lifecycle.ErrTerminalState):
			writeError(w, http.StatusUnprocessableEntity, "order is already completed")
		default:
			writeError(w, http.StatusInternalServerError, "cancel order failed")
		}
		return
	}

	order, err := h.Store.GetOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get order failed")
		return
	}
	writeJSON(w, http.StatusOK, h.orderToResponse(order))
}

type findByAddressRequest struct {
	Address string `json:"address"`
}

func (h *Handler) FindByPaymentAddress(w http.ResponseWriter, r *http.Request) {
	var req findByAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "missing address")
		return
	}

	order, err := h.Store.FindByPaymentAddress(r.Context(), req.Address)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "no order for address")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, h.orderToResponse(order))
}

func (h *Handler) broadcastUpdate(u poller.Update) {
	if h.Hub == nil {
		return
	}
	if u.Err != nil {
		h.Hub.Broadcast(u.OrderID, feedMessage{
			OrderID: u.OrderID,
			Kind:    "poll_error",
			Error:   u.Err.Error(),
		})
		return
	}
	h.Hub.Broadcast(u.OrderID, feedMessage{
		OrderID:               u.OrderID,
		Kind:                  "payment_status",
		PaymentStatus:         string(u.Status),
		ReceivedAmount:        u.ReceivedAmount,
		ExpectedAmount:        u.ExpectedAmount,
		Confirmations:         u.Confirmations,
		RequiredConfirmations: u.RequiredConfirmations,
	})
	if u.Status == models.PaymentPaid || u.Status == models.PaymentExpired {
		h.Reconciler.Unwatch(u.OrderID)
	}
}

func (h *Handler) orderToResponse(order *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:          order.OrderID,
		Status:           string(order.OrderStatus),
		StatusLabel:      order.OrderStatus.DisplayLabel(),
		PaymentStatus:    string(order.PaymentStatus),
		CryptoCurrency:   string(order.Currency),
		ExpectedAmount:   order.ExpectedAmount,
		PaymentAddress:   order.PaymentAddress,
		UseEscrow:        order.UseEscrow,
		AwaitingApproval: order.AwaitingApproval(),
		CreatedAt:        order.CreatedAt.Format(time.RFC3339),
	}
	if order.OrderStatus == models.OrderPendingPayment {
		resp.RemainingSeconds = int64(h.Reconciler.Remaining(order.CreatedAt).Seconds())
	}
	if order.ConfirmedAt != nil {
		resp.ConfirmedAt = order.ConfirmedAt.Format(time.RFC3339)
	}
	return resp
}
