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

type ConnectionRepository struct {
	db DB
}

func NewConnectionRepository(db DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionColumns = `
	connection_id, is_occupied, user_id, order_id, is_active, is_configured,
	proxy_access, expires_at, updated_at
`

func scanConnection(row pgx.Row) (*models.Connection, error) {
	c := &models.Connection{}
	err := row.Scan(
		&c.ConnectionID, &c.IsOccupied, &c.UserID, &c.OrderID,
		&c.IsActive, &c.IsConfigured, &c.ProxyAccess, &c.ExpiresAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *ConnectionRepository) Get(ctx context.Context, connectionID string) (*models.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE connection_id = $1`
	c, err := scanConnection(r.db.QueryRow(ctx, query, connectionID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return c, nil
}

// PickAvailable selects the best unoccupied connection: active and
// configured first, then inactive ones that need a manual device step,
// then never-configured ones that provision with an operator alert.
// Oldest-updated wins within a tier so the pool rotates evenly.
func (r *ConnectionRepository) PickAvailable(ctx context.Context) (*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE is_occupied = false
		ORDER BY (is_active AND is_configured) DESC, is_active ASC, updated_at ASC
		LIMIT 1
	`
	c, err := scanConnection(r.db.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to pick connection: %w", err)
	}
	return c, nil
}

// Occupy claims a connection for an order. Returns false if someone else
// claimed it between pick and claim.
func (r *ConnectionRepository) Occupy(ctx context.Context, connectionID string, userID, orderID uuid.UUID, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE connections
		SET is_occupied = true, user_id = $2, order_id = $3, expires_at = $4, updated_at = NOW()
		WHERE connection_id = $1 AND is_occupied = false
	`
	tag, err := r.db.Exec(ctx, query, connectionID, userID, orderID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to occupy connection: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release returns a connection to the pool.
func (r *ConnectionRepository) Release(ctx context.Context, connectionID string) error {
	query := `
		UPDATE connections
		SET is_occupied = false, user_id = NULL, order_id = NULL,
		    proxy_access = '{}', expires_at = NULL, updated_at = NOW()
		WHERE connection_id = $1
	`
	_, err := r.db.Exec(ctx, query, connectionID)
	if err != nil {
		return fmt.Errorf("failed to release connection: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) SetProxyAccess(ctx context.Context, connectionID string, access []string) error {
	query := `UPDATE connections SET proxy_access = $2, updated_at = NOW() WHERE connection_id = $1`
	_, err := r.db.Exec(ctx, query, connectionID, access)
	if err != nil {
		return fmt.Errorf("failed to set proxy access: %w", err)
	}
	return nil
}

// MarkConfigured records that an operator finished device-side setup.
func (r *ConnectionRepository) MarkConfigured(ctx context.Context, connectionID string) error {
	query := `
		UPDATE connections
		SET is_active = true, is_configured = true, updated_at = NOW()
		WHERE connection_id = $1
	`
	_, err := r.db.Exec(ctx, query, connectionID)
	if err != nil {
		return fmt.Errorf("failed to mark connection configured: %w", err)
	}
	return nil
}
