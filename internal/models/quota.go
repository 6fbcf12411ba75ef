package models

import (
	"time"

	"github.com/google/uuid"
)

// Quota reservation states
const (
	ReservationStatePending   = "pending"
	ReservationStateConfirmed = "confirmed"
	ReservationStateReleased  = "released"
)

// Quota is the ledger of connections committed for sale but not yet
// allocated. A single row; every unit removed corresponds to exactly one
// outstanding reservation or one permanent deduction.
type Quota struct {
	AvailableConnections int
	UpdatedAt            time.Time
}

// QuotaReservation is a time-boxed hold against quota, bridging the gap
// between "customer started paying" and "payment provably succeeded".
// Quota is debited when the hold is created; confirm keeps the debit,
// release credits it back. Confirmed and released are terminal.
type QuotaReservation struct {
	ID              uuid.UUID
	OrderID         uuid.UUID
	UserID          uuid.UUID
	ConnectionsHeld int
	State           string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// Expired reports whether a pending hold has outlived its TTL. Expired
// pending holds are treated as released by the next atomic operation that
// observes them.
func (r *QuotaReservation) Expired(now time.Time) bool {
	return r.State == ReservationStatePending && !now.Before(r.ExpiresAt)
}

// Availability is the read-only quota check result.
type Availability struct {
	OK        bool `json:"ok"`
	Available int  `json:"available"`
}
