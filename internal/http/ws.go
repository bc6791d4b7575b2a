package http

import (
	"net/http"
	"sync"
	"time"

	"marketpay/internal/logger"
	"marketpay/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// feedMessage is one websocket frame on the order status feed.
type feedMessage struct {
	OrderID               string `json:"orderId"`
	Kind                  string `json:"kind"`
	OrderStatus           string `json:"orderStatus,omitempty"`
	PaymentStatus         string `json:"paymentStatus,omitempty"`
	ReceivedAmount        string `json:"receivedAmount,omitempty"`
	ExpectedAmount        string `json:"expectedAmount,omitempty"`
	Confirmations         int    `json:"confirmations,omitempty"`
	RequiredConfirmations int    `json:"requiredConfirmations,omitempty"`
	Error                 string `json:"error,omitempty"`
}

// Hub fans status updates out to dashboard websocket clients,
// subscribed per order id. A client that cannot keep up is dropped.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan feedMessage]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan feedMessage]struct{})}
}

func (h *Hub) subscribe(orderID string) chan feedMessage {
	ch := make(chan feedMessage, 16)
	h.mu.Lock()
	if h.subs[orderID] == nil {
		h.subs[orderID] = make(map[chan feedMessage]struct{})
	}
	h.subs[orderID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(orderID string, ch chan feedMessage) {
	h.mu.Lock()
	if set, ok := h.subs[orderID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, orderID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Broadcast(orderID string, msg feedMessage) {
	h.mu.Lock()
	var drop []chan feedMessage
	for ch := range h.subs[orderID] {
		select {
		case ch <- msg:
		default:
			drop = append(drop, ch)
		}
	}
	for _, ch := range drop {
		delete(h.subs[orderID], ch)
		close(ch)
	}
	h.mu.Unlock()
}

// BroadcastOrderStatus publishes a business-status transition to the
// order's feed. Wired as the state machine's OnTransition callback.
func (h *Hub) BroadcastOrderStatus(orderID string, status models.OrderStatus) {
	h.Broadcast(orderID, feedMessage{
		OrderID:     orderID,
		Kind:        "order_status",
		OrderStatus: string(status),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeOrderFeed upgrades the connection and streams status updates for
// one order until the client disconnects.
func (h *Handler) ServeOrderFeed(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	ch := h.Hub.subscribe(orderID)
	defer h.Hub.unsubscribe(orderID, ch)
	defer conn.Close()

	// Reader: only to detect close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
