package models

import "time"

type Currency string

const (
	CurrencyBTC Currency = "BTC"
	CurrencyXMR Currency = "XMR"
)

func (c Currency) Valid() bool {
	switch c {
	case CurrencyBTC, CurrencyXMR:
		return true
	}
	return false
}

// PaymentStatus reflects what the processor observed on-chain.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentExpired PaymentStatus = "expired"
	PaymentFailed  PaymentStatus = "failed"
)

// OrderStatus is the business-level status of an order.
type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderProcessing     OrderStatus = "processing"
	OrderPaid           OrderStatus = "paid"
	OrderCompleted      OrderStatus = "completed"
	OrderCancelled      OrderStatus = "cancelled"
	OrderDisputed       OrderStatus = "disputed"
)

// Terminal reports whether no further transition is permitted.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// DisplayLabel is the single canonical mapping from status to UI copy.
func (s OrderStatus) DisplayLabel() string {
	switch s {
	case OrderPendingPayment:
		return "Awaiting Payment"
	case OrderProcessing:
		return "Processing"
	case OrderPaid:
		return "Paid"
	case OrderCompleted:
		return "Completed"
	case OrderCancelled:
		return "Cancelled"
	case OrderDisputed:
		return "Disputed"
	}
	return string(s)
}

type Order struct {
	OrderID        string
	AttemptID      string
	Currency       Currency
	ExpectedAmount string
	PaymentAddress string
	UseEscrow      bool
	PaymentStatus  PaymentStatus
	OrderStatus    OrderStatus
	ConfirmedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AwaitingApproval reports whether the order is paid and held in escrow
// pending buyer approval. Non-escrow orders never enter this state.
func (o *Order) AwaitingApproval() bool {
	return o.UseEscrow && o.OrderStatus == OrderPaid && o.ConfirmedAt == nil
}

// Observation is one poll result or anomaly recorded for audit.
type Observation struct {
	OrderID        string
	Status         PaymentStatus
	ReceivedAmount string
	Confirmations  int
	Anomaly        string
	ObservedAt     time.Time
}
