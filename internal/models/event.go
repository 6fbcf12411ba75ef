package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderEvent is one audit-trail row for an order's lifecycle.
type OrderEvent struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	Action    string
	Status    string
	Message   string
	Metadata  map[string]interface{}
	CreatedAt time.Time
}
