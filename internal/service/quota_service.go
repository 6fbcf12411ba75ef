package service

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ichristine180/iproxy-sub001/internal/errs"
	"github.com/ichristine180/iproxy-sub001/internal/models"
)

// QuotaStore is the persistence surface the quota service needs. The pgx
// repository implements it; tests plug in an in-memory fake.
type QuotaStore interface {
	Available(ctx context.Context) (int, error)
	Adjust(ctx context.Context, delta int) (int, error)
	Reserve(ctx context.Context, orderID, userID uuid.UUID, qty int, ttl time.Duration) (*models.QuotaReservation, error)
	Confirm(ctx context.Context, id uuid.UUID) error
	Release(ctx context.Context, id uuid.UUID) error
	ReleaseExpired(ctx context.Context) (int, error)
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*models.QuotaReservation, error)
	ListReservations(ctx context.Context, limit int) ([]models.QuotaReservation, error)
}

// QuotaService fronts the connection quota ledger. All mutation goes
// through the store's transactional operations; this layer adds TTL
// policy, the immediate-deduct composite, and logging.
type QuotaService struct {
	store          QuotaStore
	reservationTTL time.Duration
	deductTTL      time.Duration
}

func NewQuotaService(store QuotaStore, reservationTTL, deductTTL time.Duration) *QuotaService {
	return &QuotaService{
		store:          store,
		reservationTTL: reservationTTL,
		deductTTL:      deductTTL,
	}
}

// CheckAvailability reports whether qty connections could be reserved right
// now. Advisory only; the answer can be stale by the time anyone acts on it.
func (s *QuotaService) CheckAvailability(ctx context.Context, qty int) (*models.Availability, error) {
	available, err := s.store.Available(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "check availability")
	}
	return &models.Availability{OK: available >= qty, Available: available}, nil
}

// Reserve places a time-boxed hold for an order. Re-reserving an order with
// a live pending hold returns the existing hold.
func (s *QuotaService) Reserve(ctx context.Context, orderID, userID uuid.UUID, qty int) (*models.QuotaReservation, error) {
	if qty <= 0 {
		return nil, errs.Newf("invalid reservation quantity %d", qty)
	}
	res, err := s.store.Reserve(ctx, orderID, userID, qty, s.reservationTTL)
	if err != nil {
		return nil, err
	}
	log.Printf("[Quota] Reserved %d connection(s) for order %s (reservation %s, expires %s)",
		res.ConnectionsHeld, orderID, res.ID, res.ExpiresAt.Format(time.RFC3339))
	return res, nil
}

// Confirm makes a hold permanent after payment succeeded.
func (s *QuotaService) Confirm(ctx context.Context, reservationID uuid.UUID) error {
	if err := s.store.Confirm(ctx, reservationID); err != nil {
		return err
	}
	log.Printf("[Quota] Confirmed reservation %s", reservationID)
	return nil
}

// Release returns a hold's connections to the pool. Idempotent for
// already-released holds.
func (s *QuotaService) Release(ctx context.Context, reservationID uuid.UUID) error {
	if err := s.store.Release(ctx, reservationID); err != nil {
		return err
	}
	log.Printf("[Quota] Released reservation %s", reservationID)
	return nil
}

// Deduct permanently removes qty connections for an order without a
// customer-facing hold window: a short-TTL reserve immediately confirmed.
// Used for manual activations and comped orders.
func (s *QuotaService) Deduct(ctx context.Context, orderID, userID uuid.UUID, qty int) (*models.QuotaReservation, error) {
	res, err := s.store.Reserve(ctx, orderID, userID, qty, s.deductTTL)
	if err != nil {
		return nil, err
	}
	if err := s.store.Confirm(ctx, res.ID); err != nil {
		// Undo the hold rather than leaving it to lapse.
		if relErr := s.store.Release(ctx, res.ID); relErr != nil {
			log.Printf("[Quota] WARNING: failed to release hold %s after confirm failure: %v", res.ID, relErr)
		}
		return nil, errs.Wrap(err, "confirm immediate deduction")
	}
	res.State = models.ReservationStateConfirmed
	log.Printf("[Quota] Deducted %d connection(s) for order %s", qty, orderID)
	return res, nil
}

// Sweep releases every lapsed pending hold. Run periodically; individual
// operations also reclaim opportunistically, so the sweep is a backstop for
// quiet periods.
func (s *QuotaService) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.ReleaseExpired(ctx)
	if err != nil {
		return 0, errs.Wrap(err, "sweep expired reservations")
	}
	if n > 0 {
		log.Printf("[Quota] Swept %d expired reservation(s)", n)
	}
	return n, nil
}

// Adjust moves the available counter for restocks or manual corrections.
func (s *QuotaService) Adjust(ctx context.Context, delta int) (int, error) {
	available, err := s.store.Adjust(ctx, delta)
	if err != nil {
		return 0, err
	}
	log.Printf("[Quota] Adjusted quota by %+d, now %d available", delta, available)
	return available, nil
}

func (s *QuotaService) GetByOrder(ctx context.Context, orderID uuid.UUID) (*models.QuotaReservation, error) {
	return s.store.GetByOrder(ctx, orderID)
}

func (s *QuotaService) ListReservations(ctx context.Context, limit int) ([]models.QuotaReservation, error) {
	return s.store.ListReservations(ctx, limit)
}
