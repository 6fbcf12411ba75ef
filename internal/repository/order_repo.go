package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ichristine180/iproxy-sub001/internal/models"
)

type OrderRepository struct {
	db DB
}

func NewOrderRepository(db DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `
	id, user_id, plan_id, status, quantity, total_amount_cents, currency,
	duration_days, is_trial, start_at, expires_at,
	connection_id, pending_reason, manual_provisioning,
	rotation_enabled, rotation_interval_min,
	created_at, updated_at
`

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(
		&o.ID, &o.UserID, &o.PlanID, &o.Status, &o.Quantity,
		&o.TotalAmountCents, &o.Currency,
		&o.DurationDays, &o.IsTrial, &o.StartAt, &o.ExpiresAt,
		&o.ConnectionID, &o.PendingReason, &o.ManualProvisioning,
		&o.RotationEnabled, &o.RotationIntervalMin,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

func (r *OrderRepository) Create(ctx context.Context, o *models.Order) (*models.Order, error) {
	query := `
		INSERT INTO orders (
			user_id, plan_id, status, quantity, total_amount_cents, currency,
			duration_days, is_trial, rotation_enabled, rotation_interval_min
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + orderColumns
	created, err := scanOrder(r.db.QueryRow(ctx, query,
		o.UserID, o.PlanID, o.Status, o.Quantity, o.TotalAmountCents, o.Currency,
		o.DurationDays, o.IsTrial, o.RotationEnabled, o.RotationIntervalMin,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return created, nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	o, err := scanOrder(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o := models.Order{}
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.PlanID, &o.Status, &o.Quantity,
			&o.TotalAmountCents, &o.Currency,
			&o.DurationDays, &o.IsTrial, &o.StartAt, &o.ExpiresAt,
			&o.ConnectionID, &o.PendingReason, &o.ManualProvisioning,
			&o.RotationEnabled, &o.RotationIntervalMin,
			&o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Delete removes an order that never got a reservation. Used only to roll
// back checkout when the quota hold fails.
func (r *OrderRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM orders WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// Activate flips a still-pending order to active with its service window.
// Returns false when the order left pending in the meantime, so a late
// webhook cannot resurrect a cancelled order.
func (r *OrderRepository) Activate(ctx context.Context, id uuid.UUID, startAt, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE orders
		SET status = 'active',
		    start_at = COALESCE(start_at, $2),
		    expires_at = COALESCE(expires_at, $3),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, id, startAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to activate order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ActivateProvisioned attaches the connection and goes active. Valid from
// pending or processing (manual-intervention orders come through here once
// an operator fixed the device).
func (r *OrderRepository) ActivateProvisioned(ctx context.Context, id uuid.UUID, connectionID string, startAt, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE orders
		SET status = 'active',
		    connection_id = $2,
		    pending_reason = NULL,
		    manual_provisioning = false,
		    start_at = COALESCE(start_at, $3),
		    expires_at = COALESCE(expires_at, $4),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`
	tag, err := r.db.Exec(ctx, query, id, connectionID, startAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to activate provisioned order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkProcessing parks an order awaiting manual device work, remembering
// which connection was picked and why it could not be auto-provisioned.
func (r *OrderRepository) MarkProcessing(ctx context.Context, id uuid.UUID, connectionID, reason string) error {
	query := `
		UPDATE orders
		SET status = 'processing',
		    connection_id = $2,
		    pending_reason = $3,
		    manual_provisioning = true,
		    updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, id, connectionID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark order processing: %w", err)
	}
	return nil
}

// UpdateStatusIf transitions from one status to another, reporting whether
// the guard matched.
func (r *OrderRepository) UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	query := `UPDATE orders SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`
	tag, err := r.db.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelTrialOrders retires the user's active trial orders when a paid
// order goes live. Returns how many were retired.
func (r *OrderRepository) CancelTrialOrders(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		UPDATE orders
		SET status = 'cancelled', updated_at = NOW()
		WHERE user_id = $1 AND is_trial = true AND status IN ('pending', 'active')
	`
	tag, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel trial orders: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *OrderRepository) UpdateRotation(ctx context.Context, id uuid.UUID, enabled bool, intervalMin int) error {
	query := `
		UPDATE orders
		SET rotation_enabled = $2, rotation_interval_min = $3, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, id, enabled, intervalMin)
	if err != nil {
		return fmt.Errorf("failed to update rotation: %w", err)
	}
	return nil
}

// ExpireOverdue flips active orders past their service window to expired
// and returns them so the caller can tear down their access.
func (r *OrderRepository) ExpireOverdue(ctx context.Context) ([]models.Order, error) {
	query := `
		UPDATE orders
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= NOW()
		RETURNING ` + orderColumns
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to expire orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o := models.Order{}
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.PlanID, &o.Status, &o.Quantity,
			&o.TotalAmountCents, &o.Currency,
			&o.DurationDays, &o.IsTrial, &o.StartAt, &o.ExpiresAt,
			&o.ConnectionID, &o.PendingReason, &o.ManualProvisioning,
			&o.RotationEnabled, &o.RotationIntervalMin,
			&o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan expired order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
