package errs

import "errors"

// Sentinel errors for the fulfillment core. Callers classify with errors.Is;
// the concrete cause travels wrapped underneath.
var (
	// Quota ledger
	ErrInsufficientQuota   = errors.New("insufficient quota")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationFinal    = errors.New("reservation already final")
	ErrReservationConflict = errors.New("reservation conflict")

	// Connection pool / provisioning
	ErrNoConnectionAvailable = errors.New("no connection available")
	ErrProviderError         = errors.New("device provider error")
	ErrPartialProvisioning   = errors.New("credential issued but not recorded")

	// Payments
	ErrMalformedReference = errors.New("malformed order reference")

	// Orders / wallet
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order cannot be cancelled")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
)
