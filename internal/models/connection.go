package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection is one physical proxy-capable device tracked as a poolable
// resource. ConnectionID is the external device identifier. A connection is
// exclusively owned by at most one active order while IsOccupied is true.
type Connection struct {
	ConnectionID string
	IsOccupied   bool
	UserID       *uuid.UUID
	OrderID      *uuid.UUID
	IsActive     bool
	IsConfigured bool
	ProxyAccess  []string
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// ConnectionPick is the selector's verdict. IsActive=false means the caller
// must park the order for manual intervention; NotConfigured=true means an
// operator should be notified but provisioning proceeds.
type ConnectionPick struct {
	ConnectionID  string
	IsActive      bool
	NotConfigured bool
}

// RotationConfig carries IP-rotation settings for a provisioned connection.
type RotationConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"interval_minutes"`
}
