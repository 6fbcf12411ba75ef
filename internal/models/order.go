package models

import (
	"time"

	"github.com/google/uuid"
)

// Order status constants
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusActive     = "active"
	OrderStatusExpired    = "expired"
	OrderStatusFailed     = "failed"
	OrderStatusCancelled  = "cancelled"
)

// Payment rails
const (
	PaymentMethodWallet = "wallet"
	PaymentMethodCrypto = "crypto"
)

// Order is a customer purchase of proxy access. It is created pending at
// checkout, becomes active only after successful provisioning (or a
// confirmed manual activation), and parks in processing when the selected
// connection needs a human on the device side.
type Order struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	PlanID           string
	Status           string
	Quantity         int
	TotalAmountCents int64
	Currency         string
	DurationDays     int
	IsTrial          bool
	StartAt          *time.Time
	ExpiresAt        *time.Time

	// Provisioning breadcrumbs (see Provisioning()).
	ConnectionID        *string
	PendingReason       *string
	ManualProvisioning  bool
	RotationEnabled     bool
	RotationIntervalMin int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProvisioningState is the explicit variant view over the order's
// provisioning columns, so callers can switch exhaustively instead of
// probing nullable fields.
type ProvisioningState interface {
	provisioningState()
}

// NotProvisioned: no connection has been attached yet.
type NotProvisioned struct{}

// ManualProvisioning: a connection was selected but is not operable; a
// human must intervene before the order can go active.
type ManualProvisioningState struct {
	ConnectionID string
	Reason       string
}

// Provisioned: credentials exist on the attached connection.
type Provisioned struct {
	ConnectionID        string
	RotationEnabled     bool
	RotationIntervalMin int
}

func (NotProvisioned) provisioningState()          {}
func (ManualProvisioningState) provisioningState() {}
func (Provisioned) provisioningState()             {}

func (o *Order) Provisioning() ProvisioningState {
	switch {
	case o.ConnectionID == nil:
		return NotProvisioned{}
	case o.ManualProvisioning && o.Status != OrderStatusActive:
		reason := ""
		if o.PendingReason != nil {
			reason = *o.PendingReason
		}
		return ManualProvisioningState{ConnectionID: *o.ConnectionID, Reason: reason}
	default:
		return Provisioned{
			ConnectionID:        *o.ConnectionID,
			RotationEnabled:     o.RotationEnabled,
			RotationIntervalMin: o.RotationIntervalMin,
		}
	}
}
