package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ichristine180/iproxy-sub001/internal/errs"
	"github.com/ichristine180/iproxy-sub001/internal/models"
	"github.com/ichristine180/iproxy-sub001/internal/repository"
)

// PaymentStore is the payment-log surface reconciliation writes to.
type PaymentStore interface {
	GetByOrderReference(ctx context.Context, ref string) (*models.Payment, error)
	Upsert(ctx context.Context, p *models.Payment) (*models.Payment, error)
	IncrementRetry(ctx context.Context, id uuid.UUID) error
}

// PaymentOrderStore is the order surface reconciliation drives.
type PaymentOrderStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	CancelTrialOrders(ctx context.Context, userID uuid.UUID) (int, error)
}

// WebhookSource is one inbound provider callback as received on the wire.
type WebhookSource struct {
	SourceIP  string
	Signature string
	RawBody   []byte
}

// PaymentConfig is the reconciliation policy knobs.
type PaymentConfig struct {
	Provider             string
	WebhookSecret        string
	AllowedIPs           []string
	RejectOnBadSignature bool
	ReferencePrefix      string
}

// PaymentService reconciles provider webhooks into payment and order
// state. Everything it can record it acks; transient failures are logged
// with a retry counter and acked anyway, relying on provider redelivery.
type PaymentService struct {
	payments    PaymentStore
	orders      PaymentOrderStore
	quota       *QuotaService
	provisioner *ProvisionService
	events      EventLog
	cfg         PaymentConfig
}

func NewPaymentService(
	payments PaymentStore,
	orders PaymentOrderStore,
	quota *QuotaService,
	provisioner *ProvisionService,
	events EventLog,
	cfg PaymentConfig,
) *PaymentService {
	return &PaymentService{
		payments:    payments,
		orders:      orders,
		quota:       quota,
		provisioner: provisioner,
		events:      events,
		cfg:         cfg,
	}
}

// BuildOrderReference formats the provider-side order reference:
// prefix-timestamp-userID.
func BuildOrderReference(prefix string, userID uuid.UUID) string {
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().Unix(), userID)
}

// ParseOrderReference extracts the user from a provider order reference.
// The layout is prefix-timestamp-userID; the userID itself contains
// hyphens, so split on the first two only.
func ParseOrderReference(ref, prefix string) (uuid.UUID, error) {
	parts := strings.SplitN(ref, "-", 3)
	if len(parts) != 3 || parts[0] != prefix {
		return uuid.Nil, errs.Mark(errs.Newf("reference %q does not match %s-<ts>-<user>", ref, prefix), errs.ErrMalformedReference)
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return uuid.Nil, errs.Mark(errs.Newf("reference %q has non-numeric timestamp", ref), errs.ErrMalformedReference)
	}
	userID, err := uuid.Parse(parts[2])
	if err != nil {
		return uuid.Nil, errs.Mark(errs.Newf("reference %q has invalid user id", ref), errs.ErrMalformedReference)
	}
	return userID, nil
}

// HandleWebhook processes one provider callback. The returned ack is
// always non-nil; the transport layer responds 200 regardless, since a
// non-2xx only makes the provider hammer us with the same payload.
func (s *PaymentService) HandleWebhook(ctx context.Context, src *WebhookSource) *models.WebhookAck {
	if !s.sourceAllowed(src.SourceIP) {
		// Advisory: signature is the real gate, but log the anomaly.
		log.Printf("[Payment] Webhook from unlisted IP %s", src.SourceIP)
	}

	sigValid := s.verifySignature(src.RawBody, src.Signature)
	if !sigValid {
		log.Printf("[Payment] Webhook signature mismatch (reject=%t)", s.cfg.RejectOnBadSignature)
		if s.cfg.RejectOnBadSignature {
			return &models.WebhookAck{Status: "rejected", Message: "invalid signature"}
		}
	}

	var payload models.PaymentWebhook
	if err := json.Unmarshal(src.RawBody, &payload); err != nil {
		log.Printf("[Payment] Webhook payload unparseable: %v", err)
		return &models.WebhookAck{Status: "ignored", Message: "unparseable payload"}
	}

	mapping, known := models.MapProviderStatus(payload.PaymentStatus)
	if !known {
		log.Printf("[Payment] Unknown provider status %q for reference %s", payload.PaymentStatus, payload.OrderID)
		return &models.WebhookAck{Status: "ignored", Message: "unknown status"}
	}

	userID, err := ParseOrderReference(payload.OrderID, s.cfg.ReferencePrefix)
	if err != nil {
		log.Printf("[Payment] Malformed order reference %q: %v", payload.OrderID, err)
		return &models.WebhookAck{Status: "ignored", Message: "malformed order reference"}
	}

	prior, err := s.payments.GetByOrderReference(ctx, payload.OrderID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Printf("[Payment] Failed to load payment for %s: %v", payload.OrderID, err)
		return &models.WebhookAck{Status: "ok", Message: "deferred"}
	}
	if prior != nil && prior.IsFinal {
		log.Printf("[Payment] Replay for finalized reference %s, ignoring", payload.OrderID)
		return &models.WebhookAck{Status: "ok", Message: "already finalized"}
	}

	record := &models.Payment{
		ExternalID:     strconv.FormatInt(payload.PaymentID, 10),
		OrderReference: payload.OrderID,
		Provider:       s.cfg.Provider,
		Status:         mapping.PaymentStatus,
		IsFinal:        mapping.IsFinal,
		SignatureValid: sigValid,
		RawPayload:     src.RawBody,
	}
	if prior != nil {
		record.OrderID = prior.OrderID
	}
	if mapping.PaymentStatus == models.PaymentStatusPaid {
		now := time.Now().UTC()
		record.PaidAt = &now
	}

	stored, err := s.payments.Upsert(ctx, record)
	if err != nil {
		log.Printf("[Payment] Failed to record payment for %s: %v", payload.OrderID, err)
		return &models.WebhookAck{Status: "ok", Message: "deferred"}
	}

	if !mapping.IsFinal {
		log.Printf("[Payment] Reference %s now %s (non-final)", payload.OrderID, mapping.PaymentStatus)
		return &models.WebhookAck{Status: "ok"}
	}

	if err := s.settle(ctx, stored, userID, mapping); err != nil {
		log.Printf("[Payment] Settlement for %s incomplete: %v", payload.OrderID, err)
		if retryErr := s.payments.IncrementRetry(ctx, stored.ID); retryErr != nil {
			log.Printf("[Payment] Failed to bump retry counter for %s: %v", payload.OrderID, retryErr)
		}
		// Ack anyway; the provider's redelivery or the operator retries.
		return &models.WebhookAck{Status: "ok", Message: "settlement deferred"}
	}

	return &models.WebhookAck{Status: "ok"}
}

// settle applies a final payment outcome to the order and its quota hold.
func (s *PaymentService) settle(ctx context.Context, p *models.Payment, userID uuid.UUID, mapping models.StatusMapping) error {
	if p.OrderID == nil {
		return errs.Newf("payment %s has no linked order", p.OrderReference)
	}
	orderID := *p.OrderID

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return errs.Wrap(err, "load order")
	}

	reservation, err := s.quota.GetByOrder(ctx, orderID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return errs.Wrap(err, "load reservation")
	}

	switch mapping.PaymentStatus {
	case models.PaymentStatusPaid:
		if order.Status != models.OrderStatusPending {
			// Paid but the order moved on (cancelled, already active). The
			// money is recorded; activation is not forced.
			log.Printf("[Payment] Order %s is %s, skipping activation", orderID, order.Status)
			return nil
		}
		if n, err := s.orders.CancelTrialOrders(ctx, userID); err != nil {
			log.Printf("[Payment] Failed to retire trial orders for %s: %v", userID, err)
		} else if n > 0 {
			log.Printf("[Payment] Retired %d trial order(s) for %s", n, userID)
		}
		switch {
		case reservation == nil || reservation.State == models.ReservationStateReleased:
			// No live hold: either it was never taken or the sweep reclaimed
			// it before payment landed. Take the quota now so every activated
			// unit stays backed by a debit.
			if _, err := s.quota.Deduct(ctx, orderID, userID, order.Quantity); err != nil {
				return errs.Wrap(err, "deduct quota for lapsed hold")
			}
		case reservation.State == models.ReservationStatePending:
			if err := s.quota.Confirm(ctx, reservation.ID); err != nil {
				if errors.Is(err, errs.ErrReservationFinal) {
					// Hold lapsed between the lookup and the confirm.
					if _, err := s.quota.Deduct(ctx, orderID, userID, order.Quantity); err != nil {
						return errs.Wrap(err, "re-deduct quota after lapsed hold")
					}
				} else {
					return errs.Wrap(err, "confirm reservation")
				}
			}
		}
		if _, err := s.provisioner.ProvisionOrder(ctx, order); err != nil {
			return errs.Wrap(err, "provision order")
		}
		s.logEvent(ctx, orderID, "payment", "paid", "payment finished, order provisioned")
		return nil

	default:
		// failed, cancelled or refunded
		moved, err := s.orders.UpdateStatusIf(ctx, orderID, models.OrderStatusPending, mapping.OrderStatus)
		if err != nil {
			return errs.Wrap(err, "update order status")
		}
		if !moved {
			log.Printf("[Payment] Order %s not pending, leaving status untouched", orderID)
		}
		if reservation != nil && reservation.State == models.ReservationStatePending {
			if err := s.quota.Release(ctx, reservation.ID); err != nil && !errors.Is(err, errs.ErrReservationFinal) {
				return errs.Wrap(err, "release reservation")
			}
		}
		s.logEvent(ctx, orderID, "payment", mapping.PaymentStatus, "payment reached terminal failure state")
		return nil
	}
}

func (s *PaymentService) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}

func (s *PaymentService) sourceAllowed(ip string) bool {
	if len(s.cfg.AllowedIPs) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	for _, allowed := range s.cfg.AllowedIPs {
		if strings.Contains(allowed, "/") {
			if _, cidr, err := net.ParseCIDR(allowed); err == nil && parsed != nil && cidr.Contains(parsed) {
				return true
			}
			continue
		}
		if allowed == ip {
			return true
		}
	}
	return false
}

func (s *PaymentService) logEvent(ctx context.Context, orderID uuid.UUID, action, status, message string) {
	if err := s.events.LogAction(ctx, orderID, action, status, message); err != nil {
		log.Printf("[Payment] Failed to record %s event for order %s: %v", action, orderID, err)
	}
}
