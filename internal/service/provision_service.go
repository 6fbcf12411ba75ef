package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ichristine180/iproxy-sub001/internal/client"
	"github.com/ichristine180/iproxy-sub001/internal/errs"
	"github.com/ichristine180/iproxy-sub001/internal/models"
	"github.com/ichristine180/iproxy-sub001/internal/repository"
	"github.com/ichristine180/iproxy-sub001/internal/secrets"
)

// DeviceAPI is the external device-management surface the pipeline drives.
type DeviceAPI interface {
	GrantProxyAccess(ctx context.Context, connectionID string, req *client.GrantAccessRequest) (*client.GrantAccessResponse, error)
	RevokeProxyAccess(ctx context.Context, connectionID, accessID string) error
	GetConnection(ctx context.Context, connectionID string) (*client.ConnectionInfo, error)
	UpdateConnectionSettings(ctx context.Context, connectionID string, settings *client.RotationSettings) error
	CreateActionLink(ctx context.Context, connectionID, action string) (*client.ActionLink, error)
	GetActionLinks(ctx context.Context, connectionID string) ([]client.ActionLink, error)
}

// Notifier delivers admin alerts and customer messages. All calls from the
// pipeline are best-effort.
type Notifier interface {
	NotifyAdmin(ctx context.Context, template string, data map[string]any) error
	NotifyCustomer(ctx context.Context, userID uuid.UUID, template string, data map[string]any) error
}

type ProvisionOrderStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, connectionID, reason string) error
	ActivateProvisioned(ctx context.Context, id uuid.UUID, connectionID string, startAt, expiresAt time.Time) (bool, error)
	UpdateRotation(ctx context.Context, id uuid.UUID, enabled bool, intervalMin int) error
}

type ProxyStore interface {
	Create(ctx context.Context, p *models.Proxy) (*models.Proxy, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Proxy, error)
}

type PoolStore interface {
	Get(ctx context.Context, connectionID string) (*models.Connection, error)
	Occupy(ctx context.Context, connectionID string, userID, orderID uuid.UUID, expiresAt time.Time) (bool, error)
	SetProxyAccess(ctx context.Context, connectionID string, access []string) error
	MarkConfigured(ctx context.Context, connectionID string) error
	Release(ctx context.Context, connectionID string) error
}

type EventLog interface {
	LogAction(ctx context.Context, orderID uuid.UUID, action, status, message string) error
}

// ProvisionResult is the pipeline's outcome for one order.
type ProvisionResult struct {
	Status        string   // active or processing
	ConnectionID  string
	ProxyAccess   []string // host:port:user:password, one per protocol
	PendingReason string   // set when parked for manual intervention
}

// ProvisionService turns a paid order into working proxy credentials. It
// grants HTTP and SOCKS5 access sharing one login/password pair, rolls the
// first grant back if the second fails, and parks orders whose device
// needs a human.
type ProvisionService struct {
	orders   ProvisionOrderStore
	proxies  ProxyStore
	pool     PoolStore
	selector *ConnectionService
	quota    *QuotaService
	device   DeviceAPI
	notifier Notifier
	events   EventLog
	cipher   *secrets.Cipher
}

func NewProvisionService(
	orders ProvisionOrderStore,
	proxies ProxyStore,
	pool PoolStore,
	selector *ConnectionService,
	quota *QuotaService,
	device DeviceAPI,
	notifier Notifier,
	events EventLog,
	cipher *secrets.Cipher,
) *ProvisionService {
	return &ProvisionService{
		orders:   orders,
		proxies:  proxies,
		pool:     pool,
		selector: selector,
		quota:    quota,
		device:   device,
		notifier: notifier,
		events:   events,
		cipher:   cipher,
	}
}

// ProvisionOrder picks a connection for the order and runs the pipeline.
// Entry point for payment reconciliation and wallet checkout.
func (s *ProvisionService) ProvisionOrder(ctx context.Context, order *models.Order) (*ProvisionResult, error) {
	// Already provisioned: report the existing access.
	if existing, err := s.activeResult(ctx, order); err != nil || existing != nil {
		return existing, err
	}

	pick, err := s.selector.GetAvailableConnection(ctx)
	if err != nil {
		if errors.Is(err, errs.ErrNoConnectionAvailable) {
			s.notifyAdmin(ctx, "pool_empty", map[string]any{"order_id": order.ID.String()})
		}
		return nil, err
	}
	return s.Provision(ctx, order, pick)
}

// Provision runs the pipeline against a specific picked connection.
func (s *ProvisionService) Provision(ctx context.Context, order *models.Order, pick *models.ConnectionPick) (*ProvisionResult, error) {
	// Inactive device: park the order until an operator intervenes.
	if !pick.IsActive {
		reason := "connection offline, manual setup required"
		if err := s.orders.MarkProcessing(ctx, order.ID, pick.ConnectionID, reason); err != nil {
			return nil, errs.Wrap(err, "park order for manual provisioning")
		}
		s.logEvent(ctx, order.ID, "provision", "processing", reason)
		s.notifyAdmin(ctx, "manual_provisioning_required", map[string]any{
			"order_id":      order.ID.String(),
			"connection_id": pick.ConnectionID,
			"reason":        reason,
		})
		s.notifyCustomer(ctx, order.UserID, "order_processing", map[string]any{
			"order_id": order.ID.String(),
		})
		log.Printf("[Provision] Order %s parked on %s: %s", order.ID, pick.ConnectionID, reason)
		return &ProvisionResult{
			Status:        models.OrderStatusProcessing,
			ConnectionID:  pick.ConnectionID,
			PendingReason: reason,
		}, nil
	}

	// Unconfigured but active: tell the operators, keep going.
	if pick.NotConfigured {
		s.notifyAdmin(ctx, "connection_not_configured", map[string]any{
			"order_id":      order.ID.String(),
			"connection_id": pick.ConnectionID,
		})
	}

	login, err := secrets.RandomCredential(10)
	if err != nil {
		return nil, errs.Wrap(err, "generate proxy login")
	}
	password, err := secrets.RandomCredential(14)
	if err != nil {
		return nil, errs.Wrap(err, "generate proxy password")
	}

	startAt := time.Now().UTC()
	expiresAt := startAt.AddDate(0, 0, order.DurationDays)

	grantReq := func(protocol string) *client.GrantAccessRequest {
		return &client.GrantAccessRequest{
			Protocol:  protocol,
			AuthType:  "userpass",
			Login:     login,
			Password:  password,
			ExpiresAt: expiresAt.Format(time.RFC3339),
		}
	}

	httpGrant, err := s.device.GrantProxyAccess(ctx, pick.ConnectionID, grantReq(models.ProxyProtocolHTTP))
	if err != nil {
		s.logEvent(ctx, order.ID, "provision", "failed", fmt.Sprintf("http grant: %v", err))
		return nil, errs.Wrap(err, "grant http access")
	}

	socksGrant, err := s.device.GrantProxyAccess(ctx, pick.ConnectionID, grantReq(models.ProxyProtocolSOCKS5))
	if err != nil {
		// Roll back the half-provisioned state so retries start clean.
		if revokeErr := s.device.RevokeProxyAccess(ctx, pick.ConnectionID, httpGrant.ID); revokeErr != nil {
			log.Printf("[Provision] WARNING: failed to revoke http grant %s on %s after socks5 failure: %v",
				httpGrant.ID, pick.ConnectionID, revokeErr)
		}
		s.logEvent(ctx, order.ID, "provision", "failed", fmt.Sprintf("socks5 grant: %v", err))
		return nil, errs.Wrap(err, "grant socks5 access")
	}

	// Metadata fetch is best-effort; provisioning never fails on it.
	if info, err := s.device.GetConnection(ctx, pick.ConnectionID); err != nil {
		log.Printf("[Provision] Failed to fetch metadata for %s: %v", pick.ConnectionID, err)
	} else if !info.Online {
		log.Printf("[Provision] Connection %s reports offline after grant", pick.ConnectionID)
	}

	// From here on credentials exist on the device. Any failure below is
	// partial provisioning: alert loudly, never revoke.
	passwordEnc, err := s.cipher.Encrypt(password)
	if err != nil {
		return nil, s.partialFailure(ctx, order, pick.ConnectionID, errs.Wrap(err, "encrypt proxy password"))
	}

	grants := []struct {
		protocol string
		resp     *client.GrantAccessResponse
	}{
		{models.ProxyProtocolHTTP, httpGrant},
		{models.ProxyProtocolSOCKS5, socksGrant},
	}

	access := make([]string, 0, len(grants))
	for _, g := range grants {
		host := g.resp.Hostname
		if host == "" {
			host = g.resp.IP
		}
		proxy := &models.Proxy{
			OrderID:      order.ID,
			ConnectionID: pick.ConnectionID,
			Protocol:     g.protocol,
			Host:         host,
			Port:         g.resp.Port,
			Username:     login,
			PasswordEnc:  passwordEnc,
			Status:       models.ProxyStatusActive,
			RotationMode: rotationMode(order),
			ExpiresAt:    &expiresAt,
		}
		stored, err := s.proxies.Create(ctx, proxy)
		if err != nil {
			return nil, s.partialFailure(ctx, order, pick.ConnectionID, errs.Wrap(err, "persist proxy credential"))
		}
		access = append(access, stored.AccessString(password))
	}

	if err := s.pool.SetProxyAccess(ctx, pick.ConnectionID, access); err != nil {
		return nil, s.partialFailure(ctx, order, pick.ConnectionID, errs.Wrap(err, "record proxy access"))
	}
	claimed, err := s.pool.Occupy(ctx, pick.ConnectionID, order.UserID, order.ID, expiresAt)
	if err != nil {
		return nil, s.partialFailure(ctx, order, pick.ConnectionID, errs.Wrap(err, "occupy connection"))
	}
	if !claimed {
		// Someone else grabbed the connection between pick and claim, or a
		// retry already claimed it for this order.
		conn, getErr := s.pool.Get(ctx, pick.ConnectionID)
		if getErr != nil || conn.OrderID == nil || *conn.OrderID != order.ID {
			return nil, s.partialFailure(ctx, order, pick.ConnectionID, errs.New("connection claimed by another order"))
		}
	}

	activated, err := s.orders.ActivateProvisioned(ctx, order.ID, pick.ConnectionID, startAt, expiresAt)
	if err != nil {
		return nil, s.partialFailure(ctx, order, pick.ConnectionID, errs.Wrap(err, "activate order"))
	}
	if !activated {
		log.Printf("[Provision] Order %s no longer activatable, access recorded on %s", order.ID, pick.ConnectionID)
	}

	if order.RotationEnabled {
		if err := s.device.UpdateConnectionSettings(ctx, pick.ConnectionID, &client.RotationSettings{
			IPChangeEnabled: true,
			IntervalMinutes: order.RotationIntervalMin,
		}); err != nil {
			log.Printf("[Provision] Failed to apply rotation settings on %s: %v", pick.ConnectionID, err)
		}
	}

	s.logEvent(ctx, order.ID, "provision", "active", fmt.Sprintf("provisioned on %s", pick.ConnectionID))
	s.notifyCustomer(ctx, order.UserID, "order_active", map[string]any{
		"order_id": order.ID.String(),
	})
	log.Printf("[Provision] Order %s active on %s with %d credential(s)", order.ID, pick.ConnectionID, len(access))

	return &ProvisionResult{
		Status:       models.OrderStatusActive,
		ConnectionID: pick.ConnectionID,
		ProxyAccess:  access,
	}, nil
}

// ActivateManual completes a parked order after an operator fixed the
// device. Deducts quota if the order never had a confirmed hold.
func (s *ProvisionService) ActivateManual(ctx context.Context, orderID uuid.UUID, connectionID string) (*ProvisionResult, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.ErrOrderNotFound
		}
		return nil, err
	}

	// Retried activation of an already-active order must not grant again.
	if existing, err := s.activeResult(ctx, order); err != nil || existing != nil {
		return existing, err
	}

	if connectionID == "" && order.ConnectionID != nil {
		connectionID = *order.ConnectionID
	}
	if connectionID == "" {
		return nil, errs.New("no connection to activate against")
	}

	res, err := s.quota.GetByOrder(ctx, orderID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if res == nil || res.State != models.ReservationStateConfirmed {
		if _, err := s.quota.Deduct(ctx, orderID, order.UserID, order.Quantity); err != nil {
			return nil, errs.Wrap(err, "deduct quota for manual activation")
		}
	}

	if err := s.pool.MarkConfigured(ctx, connectionID); err != nil {
		return nil, errs.Wrap(err, "mark connection configured")
	}

	s.logEvent(ctx, orderID, "manual_activate", "started", fmt.Sprintf("operator activation on %s", connectionID))
	return s.Provision(ctx, order, &models.ConnectionPick{ConnectionID: connectionID, IsActive: true})
}

// UpdateRotation changes IP-rotation settings for a provisioned order on
// the device and in the order record.
func (s *ProvisionService) UpdateRotation(ctx context.Context, orderID uuid.UUID, cfg *models.RotationConfig) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errs.ErrOrderNotFound
		}
		return err
	}

	prov, ok := order.Provisioning().(models.Provisioned)
	if !ok {
		return errs.New("order has no provisioned connection")
	}

	if err := s.device.UpdateConnectionSettings(ctx, prov.ConnectionID, &client.RotationSettings{
		IPChangeEnabled: cfg.Enabled,
		IntervalMinutes: cfg.IntervalMinutes,
	}); err != nil {
		return errs.Wrap(err, "update device rotation settings")
	}

	if err := s.orders.UpdateRotation(ctx, orderID, cfg.Enabled, cfg.IntervalMinutes); err != nil {
		return errs.Wrap(err, "persist rotation settings")
	}
	log.Printf("[Provision] Rotation for order %s: enabled=%t interval=%dm", orderID, cfg.Enabled, cfg.IntervalMinutes)
	return nil
}

// GetRotationLinks returns the order's manual IP-change trigger URLs,
// creating one when the device has none.
func (s *ProvisionService) GetRotationLinks(ctx context.Context, orderID uuid.UUID) ([]client.ActionLink, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.ErrOrderNotFound
		}
		return nil, err
	}

	prov, ok := order.Provisioning().(models.Provisioned)
	if !ok {
		return nil, errs.New("order has no provisioned connection")
	}

	links, err := s.device.GetActionLinks(ctx, prov.ConnectionID)
	if err != nil {
		return nil, errs.Wrap(err, "fetch action links")
	}

	var rotation []client.ActionLink
	for _, l := range links {
		if l.Action == "change-ip" {
			rotation = append(rotation, l)
		}
	}
	if len(rotation) == 0 {
		created, err := s.device.CreateActionLink(ctx, prov.ConnectionID, "change-ip")
		if err != nil {
			return nil, errs.Wrap(err, "create rotation link")
		}
		rotation = append(rotation, *created)
	}
	return rotation, nil
}

// partialFailure records a credentials-exist-but-not-recorded state. The
// grants stay live on purpose; retrying records them without re-granting.
func (s *ProvisionService) partialFailure(ctx context.Context, order *models.Order, connectionID string, cause error) error {
	log.Printf("[Provision] ALERT: partial provisioning for order %s on %s: %v", order.ID, connectionID, cause)
	s.logEvent(ctx, order.ID, "provision", "partial", cause.Error())
	s.notifyAdmin(ctx, "partial_provisioning", map[string]any{
		"order_id":      order.ID.String(),
		"connection_id": connectionID,
		"error":         cause.Error(),
	})
	return errs.Mark(cause, errs.ErrPartialProvisioning)
}

// activeResult reports the existing access for an already-provisioned
// order, or nil when the order has none to report.
func (s *ProvisionService) activeResult(ctx context.Context, order *models.Order) (*ProvisionResult, error) {
	if order.Status != models.OrderStatusActive || order.ConnectionID == nil {
		return nil, nil
	}
	access, err := s.proxyAccessStrings(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if len(access) == 0 {
		return nil, nil
	}
	return &ProvisionResult{
		Status:       models.OrderStatusActive,
		ConnectionID: *order.ConnectionID,
		ProxyAccess:  access,
	}, nil
}

func (s *ProvisionService) proxyAccessStrings(ctx context.Context, orderID uuid.UUID) ([]string, error) {
	proxies, err := s.proxies.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, errs.Wrap(err, "list proxies")
	}
	access := make([]string, 0, len(proxies))
	for _, p := range proxies {
		password, err := s.cipher.Decrypt(p.PasswordEnc)
		if err != nil {
			return nil, errs.Wrap(err, "decrypt proxy password")
		}
		access = append(access, p.AccessString(password))
	}
	return access, nil
}

func (s *ProvisionService) logEvent(ctx context.Context, orderID uuid.UUID, action, status, message string) {
	if err := s.events.LogAction(ctx, orderID, action, status, message); err != nil {
		log.Printf("[Provision] Failed to record %s event for order %s: %v", action, orderID, err)
	}
}

func (s *ProvisionService) notifyAdmin(ctx context.Context, template string, data map[string]any) {
	if err := s.notifier.NotifyAdmin(ctx, template, data); err != nil {
		log.Printf("[Provision] Failed to notify admin (%s): %v", template, err)
	}
}

func (s *ProvisionService) notifyCustomer(ctx context.Context, userID uuid.UUID, template string, data map[string]any) {
	if err := s.notifier.NotifyCustomer(ctx, userID, template, data); err != nil {
		log.Printf("[Provision] Failed to notify customer %s (%s): %v", userID, template, err)
	}
}

func rotationMode(o *models.Order) string {
	if o.RotationEnabled {
		return "interval"
	}
	return "manual"
}
