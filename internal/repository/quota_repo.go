package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ichristine180/iproxy-sub001/internal/errs"
	"github.com/ichristine180/iproxy-sub001/internal/models"
)

// QuotaRepository manages the shared connection quota and its reservations.
// All state transitions happen inside transactions with row locks so that
// concurrent checkouts never oversell.
type QuotaRepository struct {
	db DB
}

func NewQuotaRepository(db DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

func (r *QuotaRepository) Get(ctx context.Context) (*models.Quota, error) {
	query := `
		SELECT available, updated_at
		FROM quota
		WHERE id = 1
	`
	q := &models.Quota{}
	err := r.db.QueryRow(ctx, query).Scan(&q.AvailableConnections, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return q, nil
}

// Available returns the current unreserved quota after reclaiming any
// reservations whose hold has lapsed.
func (r *QuotaRepository) Available(ctx context.Context) (int, error) {
	if _, err := r.db.Exec(ctx, reclaimExpiredSQL); err != nil {
		return 0, fmt.Errorf("failed to reclaim expired holds: %w", err)
	}
	var available int
	err := r.db.QueryRow(ctx, `SELECT available FROM quota WHERE id = 1`).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to read quota: %w", err)
	}
	return available, nil
}

// Adjust moves the available counter by delta. Negative deltas that would
// take the counter below zero are rejected.
func (r *QuotaRepository) Adjust(ctx context.Context, delta int) (int, error) {
	query := `
		UPDATE quota
		SET available = available + $1, updated_at = NOW()
		WHERE id = 1 AND available + $1 >= 0
		RETURNING available
	`
	var available int
	err := r.db.QueryRow(ctx, query, delta).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrInsufficientQuota
		}
		return 0, fmt.Errorf("failed to adjust quota: %w", err)
	}
	return available, nil
}

// reclaimExpiredSQL flips lapsed pending reservations to released and
// credits their held connections back in one statement.
const reclaimExpiredSQL = `
	WITH lapsed AS (
		UPDATE quota_reservations
		SET state = 'released', updated_at = NOW()
		WHERE state = 'pending' AND expires_at <= NOW()
		RETURNING connections_held
	)
	UPDATE quota
	SET available = available + COALESCE((SELECT SUM(connections_held) FROM lapsed), 0),
	    updated_at = NOW()
	WHERE id = 1 AND EXISTS (SELECT 1 FROM lapsed)
`

// Reserve places a pending hold of qty connections for an order. Calling it
// again for the same order while a pending hold exists returns that hold
// unchanged. When quota is short it reports how much is left.
func (r *QuotaRepository) Reserve(ctx context.Context, orderID, userID uuid.UUID, qty int, ttl time.Duration) (*models.QuotaReservation, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, reclaimExpiredSQL); err != nil {
		return nil, fmt.Errorf("failed to reclaim expired holds: %w", err)
	}

	// Idempotency: a live pending hold for this order is the answer.
	existing := &models.QuotaReservation{}
	err = tx.QueryRow(ctx, `
		SELECT id, order_id, user_id, connections_held, state, created_at, expires_at
		FROM quota_reservations
		WHERE order_id = $1 AND state = 'pending'
		FOR UPDATE
	`, orderID).Scan(
		&existing.ID, &existing.OrderID, &existing.UserID,
		&existing.ConnectionsHeld, &existing.State,
		&existing.CreatedAt, &existing.ExpiresAt,
	)
	if err == nil {
		if existing.ConnectionsHeld != qty {
			return nil, errs.Mark(
				errs.Newf("order %s already holds %d unit(s), requested %d", orderID, existing.ConnectionsHeld, qty),
				errs.ErrReservationConflict,
			)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit reserve tx: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check existing hold: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE quota
		SET available = available - $1, updated_at = NOW()
		WHERE id = 1 AND available >= $1
	`, qty)
	if err != nil {
		return nil, fmt.Errorf("failed to decrement quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var available int
		if err := tx.QueryRow(ctx, `SELECT available FROM quota WHERE id = 1`).Scan(&available); err != nil {
			return nil, fmt.Errorf("failed to read quota after shortfall: %w", err)
		}
		return nil, errs.Mark(
			&errs.InsufficientQuotaError{Requested: qty, Available: available},
			errs.ErrInsufficientQuota,
		)
	}

	res := &models.QuotaReservation{}
	err = tx.QueryRow(ctx, `
		INSERT INTO quota_reservations (order_id, user_id, connections_held, state, expires_at)
		VALUES ($1, $2, $3, 'pending', NOW() + $4)
		RETURNING id, order_id, user_id, connections_held, state, created_at, expires_at
	`, orderID, userID, qty, ttl).Scan(
		&res.ID, &res.OrderID, &res.UserID,
		&res.ConnectionsHeld, &res.State,
		&res.CreatedAt, &res.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reserve tx: %w", err)
	}
	return res, nil
}

// Confirm makes a pending hold permanent. The held connections stay
// deducted from quota. A hold that already lapsed is released first and
// reported as final.
func (r *QuotaRepository) Confirm(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin confirm tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var state string
	var expiresAt time.Time
	var held int
	err = tx.QueryRow(ctx, `
		SELECT state, expires_at, connections_held
		FROM quota_reservations
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&state, &expiresAt, &held)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrReservationNotFound
		}
		return fmt.Errorf("failed to lock reservation: %w", err)
	}

	if state != models.ReservationStatePending {
		return errs.ErrReservationFinal
	}

	if !expiresAt.After(time.Now()) {
		// Lapsed before anyone confirmed it: release and credit back.
		if _, err := tx.Exec(ctx, `
			UPDATE quota_reservations SET state = 'released', updated_at = NOW() WHERE id = $1
		`, id); err != nil {
			return fmt.Errorf("failed to release lapsed hold: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE quota SET available = available + $1, updated_at = NOW() WHERE id = 1
		`, held); err != nil {
			return fmt.Errorf("failed to credit lapsed hold: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit confirm tx: %w", err)
		}
		return errs.ErrReservationFinal
	}

	if _, err := tx.Exec(ctx, `
		UPDATE quota_reservations SET state = 'confirmed', updated_at = NOW() WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("failed to confirm reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit confirm tx: %w", err)
	}
	return nil
}

// Release returns a pending hold's connections to the quota. Releasing an
// already released hold is a no-op; releasing a confirmed hold fails.
func (r *QuotaRepository) Release(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var state string
	var held int
	err = tx.QueryRow(ctx, `
		SELECT state, connections_held
		FROM quota_reservations
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&state, &held)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrReservationNotFound
		}
		return fmt.Errorf("failed to lock reservation: %w", err)
	}

	switch state {
	case models.ReservationStateReleased:
		return nil
	case models.ReservationStateConfirmed:
		return errs.ErrReservationFinal
	}

	if _, err := tx.Exec(ctx, `
		UPDATE quota_reservations SET state = 'released', updated_at = NOW() WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE quota SET available = available + $1, updated_at = NOW() WHERE id = 1
	`, held); err != nil {
		return fmt.Errorf("failed to credit released hold: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit release tx: %w", err)
	}
	return nil
}

// ReleaseExpired reclaims every lapsed pending hold and reports how many
// reservations were swept.
func (r *QuotaRepository) ReleaseExpired(ctx context.Context) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int
	var credited int
	err = tx.QueryRow(ctx, `
		WITH lapsed AS (
			UPDATE quota_reservations
			SET state = 'released', updated_at = NOW()
			WHERE state = 'pending' AND expires_at <= NOW()
			RETURNING connections_held
		)
		SELECT COUNT(*), COALESCE(SUM(connections_held), 0) FROM lapsed
	`).Scan(&count, &credited)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired holds: %w", err)
	}

	if credited > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE quota SET available = available + $1, updated_at = NOW() WHERE id = 1
		`, credited); err != nil {
			return 0, fmt.Errorf("failed to credit swept holds: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit sweep tx: %w", err)
	}
	return count, nil
}

func (r *QuotaRepository) GetByOrder(ctx context.Context, orderID uuid.UUID) (*models.QuotaReservation, error) {
	query := `
		SELECT id, order_id, user_id, connections_held, state, created_at, expires_at
		FROM quota_reservations
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	res := &models.QuotaReservation{}
	err := r.db.QueryRow(ctx, query, orderID).Scan(
		&res.ID, &res.OrderID, &res.UserID,
		&res.ConnectionsHeld, &res.State,
		&res.CreatedAt, &res.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get reservation by order: %w", err)
	}
	return res, nil
}

func (r *QuotaRepository) ListReservations(ctx context.Context, limit int) ([]models.QuotaReservation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, order_id, user_id, connections_held, state, created_at, expires_at
		FROM quota_reservations
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var out []models.QuotaReservation
	for rows.Next() {
		var res models.QuotaReservation
		if err := rows.Scan(
			&res.ID, &res.OrderID, &res.UserID,
			&res.ConnectionsHeld, &res.State,
			&res.CreatedAt, &res.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
