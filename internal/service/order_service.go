package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ichristine180/iproxy-sub001/internal/errs"
	"github.com/ichristine180/iproxy-sub001/internal/models"
	"github.com/ichristine180/iproxy-sub001/internal/repository"
	"github.com/ichristine180/iproxy-sub001/internal/secrets"
)

// OrderStore is the full order surface checkout and lifecycle need.
type OrderStore interface {
	Create(ctx context.Context, o *models.Order) (*models.Order, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Order, error)
	Delete(ctx context.Context, id uuid.UUID) error
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
	ExpireOverdue(ctx context.Context) ([]models.Order, error)
}

// WalletStore is the instant-debit rail.
type WalletStore interface {
	Debit(ctx context.Context, userID uuid.UUID, amountCents int64) (bool, error)
	Credit(ctx context.Context, userID uuid.UUID, amountCents int64) error
}

// OrderPaymentStore records payment rows opened by checkout.
type OrderPaymentStore interface {
	Upsert(ctx context.Context, p *models.Payment) (*models.Payment, error)
}

// OrderProxyStore reads credentials for order views and teardown.
type OrderProxyStore interface {
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Proxy, error)
	UpdateStatusByOrder(ctx context.Context, orderID uuid.UUID, status string) error
}

// OrderService owns the order lifecycle: checkout on either payment rail,
// cancellation, views and expiry.
type OrderService struct {
	orders      OrderStore
	payments    OrderPaymentStore
	wallets     WalletStore
	proxies     OrderProxyStore
	pool        PoolStore
	quota       *QuotaService
	provisioner *ProvisionService
	events      EventLog
	cipher      *secrets.Cipher
	provider    string
	refPrefix   string
}

func NewOrderService(
	orders OrderStore,
	payments OrderPaymentStore,
	wallets WalletStore,
	proxies OrderProxyStore,
	pool PoolStore,
	quota *QuotaService,
	provisioner *ProvisionService,
	events EventLog,
	cipher *secrets.Cipher,
	provider, refPrefix string,
) *OrderService {
	return &OrderService{
		orders:      orders,
		payments:    payments,
		wallets:     wallets,
		proxies:     proxies,
		pool:        pool,
		quota:       quota,
		provisioner: provisioner,
		events:      events,
		cipher:      cipher,
		provider:    provider,
		refPrefix:   refPrefix,
	}
}

// Checkout creates an order and holds quota for it. The wallet rail debits
// and provisions immediately; the crypto rail returns the order reference
// the provider's webhooks will settle against.
func (s *OrderService) Checkout(ctx context.Context, userID uuid.UUID, req *models.CheckoutRequest) (*models.CheckoutResponse, error) {
	order := &models.Order{
		UserID:           userID,
		PlanID:           req.PlanID,
		Status:           models.OrderStatusPending,
		Quantity:         req.Quantity,
		TotalAmountCents: req.TotalAmountCents,
		Currency:         defaultCurrency(req.Currency),
		DurationDays:     req.DurationDays,
		IsTrial:          req.IsTrial,
	}
	if req.Rotation != nil {
		order.RotationEnabled = req.Rotation.Enabled
		order.RotationIntervalMin = req.Rotation.IntervalMinutes
	}

	order, err := s.orders.Create(ctx, order)
	if err != nil {
		return nil, errs.Wrap(err, "create order")
	}

	reservation, err := s.quota.Reserve(ctx, order.ID, userID, req.Quantity)
	if err != nil {
		// No hold, no order: roll the pending row back so the user can retry.
		if delErr := s.orders.Delete(ctx, order.ID); delErr != nil {
			log.Printf("[Order] Failed to roll back order %s after reserve failure: %v", order.ID, delErr)
		}
		return nil, err
	}
	s.logEvent(ctx, order.ID, "checkout", "reserved", "quota held")

	resp := &models.CheckoutResponse{
		OrderID:        order.ID,
		Status:         order.Status,
		ReservationID:  reservation.ID,
		ReserveExpires: reservation.ExpiresAt.Format(time.RFC3339),
	}

	switch req.PaymentMethod {
	case models.PaymentMethodWallet:
		return s.checkoutWallet(ctx, order, reservation, resp)
	case models.PaymentMethodCrypto:
		return s.checkoutCrypto(ctx, order, userID, resp)
	default:
		// binding should have caught this; treat as a hard input error
		if relErr := s.quota.Release(ctx, reservation.ID); relErr != nil {
			log.Printf("[Order] Failed to release hold %s: %v", reservation.ID, relErr)
		}
		if delErr := s.orders.Delete(ctx, order.ID); delErr != nil {
			log.Printf("[Order] Failed to roll back order %s: %v", order.ID, delErr)
		}
		return nil, errs.Newf("unsupported payment method %q", req.PaymentMethod)
	}
}

func (s *OrderService) checkoutWallet(ctx context.Context, order *models.Order, reservation *models.QuotaReservation, resp *models.CheckoutResponse) (*models.CheckoutResponse, error) {
	debited, err := s.wallets.Debit(ctx, order.UserID, order.TotalAmountCents)
	if err != nil || !debited {
		if relErr := s.quota.Release(ctx, reservation.ID); relErr != nil {
			log.Printf("[Order] Failed to release hold %s: %v", reservation.ID, relErr)
		}
		if delErr := s.orders.Delete(ctx, order.ID); delErr != nil {
			log.Printf("[Order] Failed to roll back order %s: %v", order.ID, delErr)
		}
		if err != nil {
			return nil, errs.Wrap(err, "debit wallet")
		}
		return nil, errs.ErrInsufficientBalance
	}

	now := time.Now().UTC()
	if _, err := s.payments.Upsert(ctx, &models.Payment{
		OrderReference: BuildOrderReference(s.refPrefix, order.UserID),
		OrderID:        &order.ID,
		Provider:       "wallet",
		Status:         models.PaymentStatusPaid,
		IsFinal:        true,
		SignatureValid: true,
		PaidAt:         &now,
	}); err != nil {
		log.Printf("[Order] Failed to record wallet payment for %s: %v", order.ID, err)
	}

	if err := s.quota.Confirm(ctx, reservation.ID); err != nil {
		// Money taken, hold lost. Refund rather than strand the user.
		log.Printf("[Order] Failed to confirm hold %s for paid order %s: %v", reservation.ID, order.ID, err)
		if credErr := s.wallets.Credit(ctx, order.UserID, order.TotalAmountCents); credErr != nil {
			log.Printf("[Order] ALERT: refund of %d to %s failed: %v", order.TotalAmountCents, order.UserID, credErr)
		}
		return nil, errs.Wrap(err, "confirm reservation after wallet debit")
	}
	s.logEvent(ctx, order.ID, "checkout", "paid", "wallet debited")

	result, err := s.provisioner.ProvisionOrder(ctx, order)
	if err != nil {
		// The order is paid and quota confirmed; provisioning retries apply.
		log.Printf("[Order] Provisioning for paid order %s failed: %v", order.ID, err)
		resp.Status = models.OrderStatusPending
		resp.Message = "payment accepted, provisioning pending"
		return resp, nil
	}

	resp.Status = result.Status
	resp.ProxyAccess = result.ProxyAccess
	if result.PendingReason != "" {
		resp.Message = result.PendingReason
	}
	return resp, nil
}

func (s *OrderService) checkoutCrypto(ctx context.Context, order *models.Order, userID uuid.UUID, resp *models.CheckoutResponse) (*models.CheckoutResponse, error) {
	ref := BuildOrderReference(s.refPrefix, userID)
	if _, err := s.payments.Upsert(ctx, &models.Payment{
		OrderReference: ref,
		OrderID:        &order.ID,
		Provider:       s.provider,
		Status:         models.PaymentStatusPending,
		SignatureValid: true,
	}); err != nil {
		return nil, errs.Wrap(err, "open crypto payment")
	}
	s.logEvent(ctx, order.ID, "checkout", "awaiting_payment", ref)

	resp.OrderReference = ref
	resp.Message = "awaiting payment"
	return resp, nil
}

// Cancel aborts a pending or parked order and tears down anything already
// allocated to it. Confirmed quota goes back to the pool.
func (s *OrderService) Cancel(ctx context.Context, userID, orderID uuid.UUID) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errs.ErrOrderNotFound
		}
		return err
	}
	if order.UserID != userID {
		return errs.ErrOrderNotFound
	}

	switch order.Status {
	case models.OrderStatusPending, models.OrderStatusProcessing:
	default:
		return errs.ErrOrderNotCancellable
	}

	reservation, err := s.quota.GetByOrder(ctx, orderID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return errs.Wrap(err, "load reservation")
	}
	if reservation != nil {
		switch reservation.State {
		case models.ReservationStatePending:
			if err := s.quota.Release(ctx, reservation.ID); err != nil && !errors.Is(err, errs.ErrReservationFinal) {
				return errs.Wrap(err, "release reservation")
			}
		case models.ReservationStateConfirmed:
			if _, err := s.quota.Adjust(ctx, reservation.ConnectionsHeld); err != nil {
				return errs.Wrap(err, "credit confirmed hold back")
			}
		}
	}

	if order.ConnectionID != nil {
		if err := s.pool.Release(ctx, *order.ConnectionID); err != nil {
			log.Printf("[Order] Failed to release connection %s for %s: %v", *order.ConnectionID, orderID, err)
		}
		if err := s.proxies.UpdateStatusByOrder(ctx, orderID, models.ProxyStatusInactive); err != nil {
			log.Printf("[Order] Failed to deactivate proxies for %s: %v", orderID, err)
		}
	}

	moved, err := s.orders.UpdateStatusIf(ctx, orderID, order.Status, models.OrderStatusCancelled)
	if err != nil {
		return errs.Wrap(err, "cancel order")
	}
	if !moved {
		return errs.ErrOrderNotCancellable
	}
	s.logEvent(ctx, orderID, "cancel", "cancelled", "cancelled by user")
	log.Printf("[Order] Order %s cancelled", orderID)
	return nil
}

// GetOrder returns the user-facing view, credentials decrypted.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.OrderInfo, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.ErrOrderNotFound
		}
		return nil, err
	}
	if order.UserID != userID {
		return nil, errs.ErrOrderNotFound
	}
	return s.orderInfo(ctx, order)
}

func (s *OrderService) ListUserOrders(ctx context.Context, userID uuid.UUID) ([]models.OrderInfo, error) {
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.OrderInfo, 0, len(orders))
	for i := range orders {
		info, err := s.orderInfo(ctx, &orders[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

// ExpireOverdue flips orders past their window and frees their resources.
// Run from the jobs runner.
func (s *OrderService) ExpireOverdue(ctx context.Context) (int, error) {
	expired, err := s.orders.ExpireOverdue(ctx)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		o := &expired[i]
		if o.ConnectionID != nil {
			if err := s.pool.Release(ctx, *o.ConnectionID); err != nil {
				log.Printf("[Order] Failed to release connection %s for expired %s: %v", *o.ConnectionID, o.ID, err)
			}
		}
		if err := s.proxies.UpdateStatusByOrder(ctx, o.ID, models.ProxyStatusInactive); err != nil {
			log.Printf("[Order] Failed to deactivate proxies for expired %s: %v", o.ID, err)
		}
		if _, err := s.quota.Adjust(ctx, o.Quantity); err != nil {
			log.Printf("[Order] Failed to restock quota for expired %s: %v", o.ID, err)
		}
		s.logEvent(ctx, o.ID, "expire", "expired", "service window ended")
	}
	if len(expired) > 0 {
		log.Printf("[Order] Expired %d order(s)", len(expired))
	}
	return len(expired), nil
}

func (s *OrderService) orderInfo(ctx context.Context, order *models.Order) (*models.OrderInfo, error) {
	info := &models.OrderInfo{
		OrderID:      order.ID,
		PlanID:       order.PlanID,
		Status:       order.Status,
		Quantity:     order.Quantity,
		AmountCents:  order.TotalAmountCents,
		Currency:     order.Currency,
		IsTrial:      order.IsTrial,
		ConnectionID: order.ConnectionID,
		CreatedAt:    order.CreatedAt.Format(time.RFC3339),
	}
	if order.StartAt != nil {
		v := order.StartAt.Format(time.RFC3339)
		info.StartAt = &v
	}
	if order.ExpiresAt != nil {
		v := order.ExpiresAt.Format(time.RFC3339)
		info.ExpiresAt = &v
	}
	if prov, ok := order.Provisioning().(models.Provisioned); ok {
		info.Rotation = &models.RotationConfig{
			Enabled:         prov.RotationEnabled,
			IntervalMinutes: prov.RotationIntervalMin,
		}
	}

	proxies, err := s.proxies.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, errs.Wrap(err, "list proxies")
	}
	for _, p := range proxies {
		password, err := s.cipher.Decrypt(p.PasswordEnc)
		if err != nil {
			return nil, errs.Wrap(err, "decrypt proxy password")
		}
		info.Proxies = append(info.Proxies, models.ProxyInfo{
			Protocol:     p.Protocol,
			Host:         p.Host,
			Port:         p.Port,
			Username:     p.Username,
			Password:     password,
			AccessString: p.AccessString(password),
			Status:       p.Status,
		})
	}
	return info, nil
}

func (s *OrderService) logEvent(ctx context.Context, orderID uuid.UUID, action, status, message string) {
	if err := s.events.LogAction(ctx, orderID, action, status, message); err != nil {
		log.Printf("[Order] Failed to record %s event for order %s: %v", action, orderID, err)
	}
}

func defaultCurrency(c string) string {
	if c == "" {
		return "USD"
	}
	return c
}
