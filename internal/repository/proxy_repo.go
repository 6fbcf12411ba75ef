package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ichristine180/iproxy-sub001/internal/models"
)

type ProxyRepository struct {
	db DB
}

func NewProxyRepository(db DB) *ProxyRepository {
	return &ProxyRepository{db: db}
}

const proxyColumns = `
	id, order_id, connection_id, protocol, host, port, username,
	password_enc, status, rotation_mode, expires_at, created_at
`

func (r *ProxyRepository) Create(ctx context.Context, p *models.Proxy) (*models.Proxy, error) {
	query := `
		INSERT INTO proxies (
			order_id, connection_id, protocol, host, port, username,
			password_enc, status, rotation_mode, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + proxyColumns
	created := &models.Proxy{}
	err := r.db.QueryRow(ctx, query,
		p.OrderID, p.ConnectionID, p.Protocol, p.Host, p.Port, p.Username,
		p.PasswordEnc, p.Status, p.RotationMode, p.ExpiresAt,
	).Scan(
		&created.ID, &created.OrderID, &created.ConnectionID, &created.Protocol,
		&created.Host, &created.Port, &created.Username, &created.PasswordEnc,
		&created.Status, &created.RotationMode, &created.ExpiresAt, &created.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}
	return created, nil
}

func (r *ProxyRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Proxy, error) {
	query := `SELECT ` + proxyColumns + ` FROM proxies WHERE order_id = $1 ORDER BY protocol`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	defer rows.Close()

	var out []models.Proxy
	for rows.Next() {
		p := models.Proxy{}
		if err := rows.Scan(
			&p.ID, &p.OrderID, &p.ConnectionID, &p.Protocol,
			&p.Host, &p.Port, &p.Username, &p.PasswordEnc,
			&p.Status, &p.RotationMode, &p.ExpiresAt, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan proxy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *ProxyRepository) UpdateStatusByOrder(ctx context.Context, orderID uuid.UUID, status string) error {
	query := `UPDATE proxies SET status = $2 WHERE order_id = $1`
	_, err := r.db.Exec(ctx, query, orderID, status)
	if err != nil {
		return fmt.Errorf("failed to update proxy status: %w", err)
	}
	return nil
}

func (r *ProxyRepository) DeleteByOrder(ctx context.Context, orderID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM proxies WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("failed to delete proxies: %w", err)
	}
	return nil
}
