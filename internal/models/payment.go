package models

import (
	"time"

	"github.com/google/uuid"
)

// Payment status constants (internal lattice)
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusPaid       = "paid"
	PaymentStatusFailed     = "failed"
	PaymentStatusCancelled  = "cancelled"
	PaymentStatusRefunded   = "refunded"
)

// Payment is the durable record of a payment event stream for one order.
// IsFinal marks a state the reconciliation machine never transitions out of.
type Payment struct {
	ID             uuid.UUID
	ExternalID     string
	OrderReference string
	OrderID        *uuid.UUID
	Provider       string
	Status         string
	IsFinal        bool
	SignatureValid bool
	RawPayload     []byte
	RetryCount     int
	PaidAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StatusMapping is the internal triple a provider status family maps onto.
type StatusMapping struct {
	PaymentStatus string
	OrderStatus   string
	IsFinal       bool
}

// MapProviderStatus maps the payment provider's status vocabulary onto the
// internal lattice. Pure function; unknown statuses return ok=false.
func MapProviderStatus(providerStatus string) (StatusMapping, bool) {
	switch providerStatus {
	case "waiting", "confirming":
		// Awaiting funds / confirming on-chain.
		return StatusMapping{PaymentStatusPending, OrderStatusPending, false}, true
	case "confirmed", "sending", "partially_paid":
		// Funds confirmed / broadcasting.
		return StatusMapping{PaymentStatusProcessing, OrderStatusPending, false}, true
	case "finished":
		// Fully or over-paid.
		return StatusMapping{PaymentStatusPaid, OrderStatusActive, true}, true
	case "expired", "failed":
		return StatusMapping{PaymentStatusFailed, OrderStatusFailed, true}, true
	case "cancelled", "canceled":
		return StatusMapping{PaymentStatusCancelled, OrderStatusCancelled, true}, true
	case "refunded":
		return StatusMapping{PaymentStatusRefunded, OrderStatusCancelled, true}, true
	default:
		return StatusMapping{}, false
	}
}

// PaymentWebhook is the inbound payload from the payment provider.
type PaymentWebhook struct {
	PaymentID     int64   `json:"payment_id"`
	PaymentStatus string  `json:"payment_status"`
	OrderID       string  `json:"order_id"` // provider-side order reference
	PriceAmount   float64 `json:"price_amount"`
	PriceCurrency string  `json:"price_currency"`
	PayAmount     float64 `json:"pay_amount"`
	PayCurrency   string  `json:"pay_currency"`
	PurchaseID    string  `json:"purchase_id"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// Wallet is the instant-debit payment rail's balance row.
type Wallet struct {
	UserID       uuid.UUID
	BalanceCents int64
	Currency     string
	UpdatedAt    time.Time
}
