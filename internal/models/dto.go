package models

import "github.com/google/uuid"

// ==================== Checkout DTOs ====================

// CheckoutRequest starts an order. Pricing is resolved upstream by the
// catalog; the request carries the already-priced plan parameters.
type CheckoutRequest struct {
	PlanID           string          `json:"plan_id" binding:"required"`
	Quantity         int             `json:"quantity" binding:"required,min=1"`
	DurationDays     int             `json:"duration_days" binding:"required,min=1"`
	TotalAmountCents int64           `json:"total_amount_cents" binding:"required,min=0"`
	Currency         string          `json:"currency"`
	PaymentMethod    string          `json:"payment_method" binding:"required,oneof=wallet crypto"`
	IsTrial          bool            `json:"is_trial"`
	Rotation         *RotationConfig `json:"rotation,omitempty"`
}

// CheckoutResponse is returned after an order is created and quota held.
type CheckoutResponse struct {
	OrderID        uuid.UUID `json:"order_id"`
	Status         string    `json:"status"`
	ReservationID  uuid.UUID `json:"reservation_id"`
	ReserveExpires string    `json:"reservation_expires_at"`
	// crypto rail only: the reference the provider must echo in webhooks
	OrderReference string   `json:"order_reference,omitempty"`
	ProxyAccess    []string `json:"proxy_access,omitempty"`
	Message        string   `json:"message,omitempty"`
}

// OrderInfo is the user-facing order view.
type OrderInfo struct {
	OrderID      uuid.UUID       `json:"order_id"`
	PlanID       string          `json:"plan_id"`
	Status       string          `json:"status"`
	Quantity     int             `json:"quantity"`
	AmountCents  int64           `json:"amount_cents"`
	Currency     string          `json:"currency"`
	IsTrial      bool            `json:"is_trial"`
	StartAt      *string         `json:"start_at,omitempty"`
	ExpiresAt    *string         `json:"expires_at,omitempty"`
	ConnectionID *string         `json:"connection_id,omitempty"`
	Rotation     *RotationConfig `json:"rotation,omitempty"`
	Proxies      []ProxyInfo     `json:"proxies,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

// ProxyInfo is one decrypted credential in an order view.
type ProxyInfo struct {
	Protocol     string `json:"protocol"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	AccessString string `json:"access_string"`
	Status       string `json:"status"`
}

// ==================== Rotation DTOs ====================

type RotationUpdateRequest struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"interval_minutes" binding:"min=0"`
}

type RotationLinksResponse struct {
	OrderID uuid.UUID `json:"order_id"`
	Links   []string  `json:"links"`
}

// ==================== Webhook DTOs ====================

// WebhookAck is the body the payment provider always receives with HTTP 200.
type WebhookAck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ==================== Admin DTOs ====================

type AdminActivateRequest struct {
	ConnectionID string `json:"connection_id"`
}

type QuotaAdjustRequest struct {
	Delta int `json:"delta" binding:"required"`
}

type ReservationInfo struct {
	ReservationID   uuid.UUID `json:"reservation_id"`
	OrderID         uuid.UUID `json:"order_id"`
	UserID          uuid.UUID `json:"user_id"`
	ConnectionsHeld int       `json:"connections_held"`
	State           string    `json:"state"`
	CreatedAt       string    `json:"created_at"`
	ExpiresAt       string    `json:"expires_at"`
}
