package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ichristine180/iproxy-sub001/internal/models"
)

type PaymentRepository struct {
	db DB
}

func NewPaymentRepository(db DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `
	id, external_id, order_reference, order_id, provider, status, is_final,
	signature_valid, raw_payload, retry_count, paid_at, created_at, updated_at
`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	p := &models.Payment{}
	err := row.Scan(
		&p.ID, &p.ExternalID, &p.OrderReference, &p.OrderID, &p.Provider,
		&p.Status, &p.IsFinal, &p.SignatureValid, &p.RawPayload,
		&p.RetryCount, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PaymentRepository) GetByOrderReference(ctx context.Context, ref string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_reference = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// Upsert records the latest provider event for an order reference. Once a
// payment is final, later events no longer change it; the caller still
// gets the stored row back so it can tell a replay from fresh news.
func (r *PaymentRepository) Upsert(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	query := `
		INSERT INTO payments (
			external_id, order_reference, order_id, provider, status, is_final,
			signature_valid, raw_payload, paid_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_reference) DO UPDATE
		SET external_id = EXCLUDED.external_id,
		    status = EXCLUDED.status,
		    is_final = EXCLUDED.is_final,
		    signature_valid = EXCLUDED.signature_valid,
		    raw_payload = EXCLUDED.raw_payload,
		    paid_at = COALESCE(payments.paid_at, EXCLUDED.paid_at),
		    updated_at = NOW()
		WHERE payments.is_final = false
		RETURNING ` + paymentColumns
	stored, err := scanPayment(r.db.QueryRow(ctx, query,
		p.ExternalID, p.OrderReference, p.OrderID, p.Provider, p.Status,
		p.IsFinal, p.SignatureValid, p.RawPayload, p.PaidAt,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Conflict row is already final; return it unchanged.
			return r.GetByOrderReference(ctx, p.OrderReference)
		}
		return nil, fmt.Errorf("failed to upsert payment: %w", err)
	}
	return stored, nil
}

func (r *PaymentRepository) IncrementRetry(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE payments SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to increment payment retry: %w", err)
	}
	return nil
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []models.Payment
	for rows.Next() {
		p := models.Payment{}
		if err := rows.Scan(
			&p.ID, &p.ExternalID, &p.OrderReference, &p.OrderID, &p.Provider,
			&p.Status, &p.IsFinal, &p.SignatureValid, &p.RawPayload,
			&p.RetryCount, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
