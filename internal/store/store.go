package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ESIMCheckout/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("order status does not allow this transition")
)

const orderColumns = `
	id, reference_number, user_id, package_id, quantity, type,
	amount::text, currency, status,
	transaction_id, hesabe_id, payment_id, terminal, track_id,
	payment_type, service_type, paid_at,
	provision_state, airalo_order_id, order_data, provision_error, provisioned_at,
	created_at, updated_at`

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (
			id, reference_number, user_id, package_id, quantity, type,
			amount, currency, status, provision_state, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7::text::numeric,$8,$9,$10,$11,$12)
	`,
		order.ID,
		order.ReferenceNumber,
		order.UserID,
		order.PackageID,
		order.Quantity,
		order.Type,
		order.Amount.StringFixed(3),
		order.Currency,
		string(order.Status),
		string(order.ProvisionState),
		order.CreatedAt,
		order.UpdatedAt,
	)
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID)
	return scanOrder(row)
}

func (s *Store) GetOrderByReference(ctx context.Context, reference string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE reference_number=$1`, reference)
	return scanOrder(row)
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
}

// SettleOrder marks the order carrying reference as paid under a row lock. An
// order that is already paid is returned untouched with settled=false. A
// failed or canceled order keeps its status and returns ErrInvalidTransition;
// the first capture against it still records the gateway fields.
func (s *Store) SettleOrder(ctx context.Context, reference string, st models.Settlement) (order *models.Order, settled bool, err error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	order, err = scanOrder(tx.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE reference_number=$1 FOR UPDATE
	`, reference))
	if err != nil {
		return nil, false, err
	}

	switch {
	case order.Status == models.OrderPaid:
		return order, false, tx.Commit(ctx)
	case !order.Status.CanTransitionTo(models.OrderPaid):
		// The status stays closed, but the capture is kept for refunds.
		if order.TransactionID == nil {
			order, err = scanOrder(tx.QueryRow(ctx, `
				UPDATE orders
				SET transaction_id=$2, hesabe_id=$3, payment_id=$4, terminal=$5,
					track_id=$6, payment_type=$7, service_type=$8, updated_at=now()
				WHERE id=$1
				RETURNING `+orderColumns,
				order.ID,
				nullable(st.TransactionID),
				nullable(st.HesabeID),
				nullable(st.PaymentID),
				nullable(st.Terminal),
				nullable(st.TrackID),
				nullable(st.PaymentType),
				nullable(st.ServiceType),
			))
			if err != nil {
				return nil, false, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, false, err
			}
		}
		return order, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, models.OrderPaid)
	}

	order, err = scanOrder(tx.QueryRow(ctx, `
		UPDATE orders
		SET status='paid', transaction_id=$2, hesabe_id=$3, payment_id=$4, terminal=$5,
			track_id=$6, payment_type=$7, service_type=$8, paid_at=$9, updated_at=now()
		WHERE id=$1
		RETURNING `+orderColumns,
		order.ID,
		nullable(st.TransactionID),
		nullable(st.HesabeID),
		nullable(st.PaymentID),
		nullable(st.Terminal),
		nullable(st.TrackID),
		nullable(st.PaymentType),
		nullable(st.ServiceType),
		st.PaidAt,
	))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return order, true, nil
}

// ClaimProvisioning moves a paid order from not_attempted to in_progress. Only
// one caller can win the claim.
func (s *Store) ClaimProvisioning(ctx context.Context, orderID string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET provision_state='in_progress', updated_at=now()
		WHERE id=$1 AND status='paid' AND provision_state='not_attempted'
	`, orderID)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *Store) CompleteProvisioning(ctx context.Context, orderID string, providerOrderID *string, raw []byte) error {
	var data any
	if len(raw) > 0 {
		data = raw
	}
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET provision_state='succeeded', airalo_order_id=$2, order_data=$3,
			provision_error=NULL, provisioned_at=now(), updated_at=now()
		WHERE id=$1 AND provision_state='in_progress'
	`, orderID, providerOrderID, data)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: provisioning not claimed", ErrInvalidTransition)
	}
	return nil
}

func (s *Store) FailProvisioning(ctx context.Context, orderID string, reason string) error {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET provision_state='failed', provision_error=$2, updated_at=now()
		WHERE id=$1 AND provision_state='in_progress'
	`, orderID, reason)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: provisioning not claimed", ErrInvalidTransition)
	}
	return nil
}

// ListUnprovisioned returns paid orders whose provisioning was never attempted
// and that were paid before the cutoff.
func (s *Store) ListUnprovisioned(ctx context.Context, paidBefore time.Time) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status='paid' AND provision_state='not_attempted' AND paid_at < $1
		ORDER BY paid_at
	`, paidBefore)
}

// ListProvisionIssues returns paid orders whose provisioning failed or has been
// in progress since before the cutoff.
func (s *Store) ListProvisionIssues(ctx context.Context, before time.Time) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status='paid'
			AND (provision_state='failed' OR (provision_state='in_progress' AND updated_at < $1))
		ORDER BY paid_at
	`, before)
}

// ListStalePending returns orders still awaiting payment that were created
// before the cutoff. Pending orders are never closed automatically: a late
// capture must still be able to settle them.
func (s *Store) ListStalePending(ctx context.Context, createdBefore time.Time) ([]*models.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status='pending' AND created_at < $1
		ORDER BY created_at
	`, createdBefore)
}

func (s *Store) queryOrders(ctx context.Context, sql string, args ...any) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, sql, args...)
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

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var amount, status, provisionState string
	var orderData []byte

	err := row.Scan(
		&order.ID,
		&order.ReferenceNumber,
		&order.UserID,
		&order.PackageID,
		&order.Quantity,
		&order.Type,
		&amount,
		&order.Currency,
		&status,
		&order.TransactionID,
		&order.HesabeID,
		&order.PaymentID,
		&order.Terminal,
		&order.TrackID,
		&order.PaymentType,
		&order.ServiceType,
		&order.PaidAt,
		&provisionState,
		&order.AiraloOrderID,
		&orderData,
		&order.ProvisionError,
		&order.ProvisionedAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	order.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("order %s amount: %w", order.ID, err)
	}
	order.Status = models.OrderStatus(status)
	order.ProvisionState = models.ProvisionState(provisionState)
	if len(orderData) > 0 {
		order.OrderData = orderData
	}
	return &order, nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
