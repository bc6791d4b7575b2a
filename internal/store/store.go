package store

import (
	"context"
	"database/sql"
	"time"

	"marketpay/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const orderColumns = `order_id, attempt_id, currency, expected_amount,
	payment_address, use_escrow, payment_status, order_status,
	confirmed_at, created_at, updated_at`

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, "SELECT nextval('address_derivation_index_seq')").Scan(&idx)
	return idx, err
}

// CreateOrder inserts one allocation attempt. The partial unique index
// on active attempts makes a concurrent second attempt for the same
// order id lose the insert: 0 rows, no error.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, attempt_id, currency, expected_amount,
			payment_address, use_escrow, payment_status, order_status,
			confirmed_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (order_id) WHERE order_status NOT IN ('completed','cancelled') DO NOTHING
	`,
		order.OrderID,
		order.AttemptID,
		order.Currency,
		order.ExpectedAmount,
		order.PaymentAddress,
		order.UseEscrow,
		order.PaymentStatus,
		order.OrderStatus,
		order.ConfirmedAt,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// GetOrder returns the latest allocation attempt for the order id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE order_id=$1
		ORDER BY created_at DESC LIMIT 1
	`, orderID)
	return scanOrder(row)
}

func (s *Store) FindByPaymentAddress(ctx context.Context, address string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_address=$1`, address)
	return scanOrder(row)
}

// HasActiveAllocation reports whether a live allocation attempt exists
// for the order id: any non-terminal attempt counts, except a pending
// one whose payment window has already lapsed (the reconciler is about
// to cancel that one; a fresh attempt may replace it).
func (s *Store) HasActiveAllocation(ctx context.Context, orderID string, now time.Time, ttl time.Duration) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE order_id=$1
			  AND order_status NOT IN ('completed','cancelled')
			  AND (order_status <> 'pending_payment' OR created_at > $2)
		)
	`, orderID, now.Add(-ttl)).Scan(&exists)
	return exists, err
}

func (s *Store) ListPendingOrders(ctx context.Context) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_status = 'pending_payment'
		ORDER BY created_at
	`)
}

// ListOpenOrders returns every attempt still awaiting payment
// resolution: pending_payment plus processing (payment sighted, not
// yet final). This is the resync surface; missing processing here
// would strand mid-confirmation orders across restarts.
func (s *Store) ListOpenOrders(ctx context.Context) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_status IN ('pending_payment','processing')
		ORDER BY created_at
	`)
}

// ListOrders returns the latest attempt of every order, newest first.
func (s *Store) ListOrders(ctx context.Context) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM (
			SELECT DISTINCT ON (order_id) `+orderColumns+`
			FROM orders
			ORDER BY order_id, created_at DESC
		) latest
		ORDER BY created_at DESC
	`)
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// MarkPaid moves a pending order to paid. Returns rows affected so the
// caller can detect a lost guard (already terminal or already paid).
// Only one non-terminal attempt can exist per order, so the guard can
// never touch a historical attempt.
func (s *Store) MarkPaid(ctx context.Context, orderID string) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET order_status='paid', payment_status='paid', updated_at=now()
		WHERE order_id=$1 AND order_status IN ('pending_payment','processing')
	`, orderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// UpdateOrderStatus performs a guarded transition. The allowedFrom list
// is the guard; terminal states never appear in it, so a terminal order
// can never regress regardless of caller bugs or racing processes.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, to models.OrderStatus, allowedFrom []models.OrderStatus) (int64, error) {
	from := make([]string, 0, len(allowedFrom))
	for _, st := range allowedFrom {
		from = append(from, string(st))
	}
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET order_status=$2, updated_at=now()
		WHERE order_id=$1 AND order_status = ANY($3)
	`, orderID, to, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// MarkExpired cancels a pending order whose payment window has lapsed,
// recording the expired payment status in the same statement.
func (s *Store) MarkExpired(ctx context.Context, orderID string) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET order_status='cancelled', payment_status='expired', updated_at=now()
		WHERE order_id=$1 AND order_status='pending_payment'
	`, orderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// ConfirmOrder is the only write path for confirmed_at. The guard makes
// the approval exactly-once: a second attempt matches zero rows.
func (s *Store) ConfirmOrder(ctx context.Context, orderID string, confirmedAt time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET order_status='completed', confirmed_at=$2, updated_at=now()
		WHERE order_id=$1 AND use_escrow AND order_status='paid' AND confirmed_at IS NULL
	`, orderID, confirmedAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) InsertObservation(ctx context.Context, obs *models.Observation) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO payment_observations (
			order_id, status, received_amount, confirmations, anomaly, observed_at
		) VALUES ($1,$2,$3,$4,$5,$6)
	`,
		obs.OrderID,
		obs.Status,
		obs.ReceivedAmount,
		obs.Confirmations,
		obs.Anomaly,
		obs.ObservedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var confirmedAt sql.NullTime

	err := row.Scan(
		&order.OrderID,
		&order.AttemptID,
		&order.Currency,
		&order.ExpectedAmount,
		&order.PaymentAddress,
		&order.UseEscrow,
		&order.PaymentStatus,
		&order.OrderStatus,
		&confirmedAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if confirmedAt.Valid {
		order.ConfirmedAt = &confirmedAt.Time
	}
	return &order, nil
}
