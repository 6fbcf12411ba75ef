package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ichristine180/iproxy-sub001/internal/models"
)

// EventRepository is the order audit trail. Writes are best-effort from the
// services' point of view; a failed event never blocks the operation it
// describes.
type EventRepository struct {
	db DB
}

func NewEventRepository(db DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Create(ctx context.Context, ev *models.OrderEvent) error {
	query := `
		INSERT INTO order_events (order_id, action, status, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(ctx, query, ev.OrderID, ev.Action, ev.Status, ev.Message, ev.Metadata)
	if err != nil {
		return fmt.Errorf("insert order event: %w", err)
	}
	return nil
}

func (r *EventRepository) GetByOrderID(ctx context.Context, orderID uuid.UUID, limit int) ([]*models.OrderEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, order_id, action, status, message, metadata, created_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("query order events: %w", err)
	}
	defer rows.Close()

	var events []*models.OrderEvent
	for rows.Next() {
		ev := &models.OrderEvent{}
		if err := rows.Scan(
			&ev.ID, &ev.OrderID, &ev.Action, &ev.Status,
			&ev.Message, &ev.Metadata, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LogAction records a lifecycle step for an order.
func (r *EventRepository) LogAction(ctx context.Context, orderID uuid.UUID, action, status, message string) error {
	return r.Create(ctx, &models.OrderEvent{
		OrderID: orderID,
		Action:  action,
		Status:  status,
		Message: message,
	})
}

// LogActionWithMetadata records a lifecycle step with extra context.
func (r *EventRepository) LogActionWithMetadata(ctx context.Context, orderID uuid.UUID, action, status, message string, metadata map[string]interface{}) error {
	return r.Create(ctx, &models.OrderEvent{
		OrderID:  orderID,
		Action:   action,
		Status:   status,
		Message:  message,
		Metadata: metadata,
	})
}
