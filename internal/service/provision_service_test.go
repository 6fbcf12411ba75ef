package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ichristine180/iproxy-sub001/internal/client"
	"github.com/ichristine180/iproxy-sub001/internal/errs"
	"github.com/ichristine180/iproxy-sub001/internal/models"
	"github.com/ichristine180/iproxy-sub001/internal/repository"
	"github.com/ichristine180/iproxy-sub001/internal/secrets"
)

type fakeDevice struct {
	grants      []client.GrantAccessRequest
	revoked     []string
	failOnGrant int // fail the n-th grant call (1-based), 0 = never
	grantCalls  int
	settings    []client.RotationSettings
	links       []client.ActionLink
}

func (d *fakeDevice) GrantProxyAccess(ctx context.Context, connectionID string, req *client.GrantAccessRequest) (*client.GrantAccessResponse, error) {
	d.grantCalls++
	if d.failOnGrant != 0 && d.grantCalls == d.failOnGrant {
		return nil, errs.Mark(errs.New("device returned 502"), errs.ErrProviderError)
	}
	d.grants = append(d.grants, *req)
	port := 8080
	if req.Protocol == models.ProxyProtocolSOCKS5 {
		port = 1080
	}
	return &client.GrantAccessResponse{
		ID:       "grant-" + req.Protocol,
		Hostname: "gw.example.net",
		Port:     port,
		Login:    req.Login,
		Password: req.Password,
	}, nil
}

func (d *fakeDevice) RevokeProxyAccess(ctx context.Context, connectionID, accessID string) error {
	d.revoked = append(d.revoked, accessID)
	return nil
}

func (d *fakeDevice) GetConnection(ctx context.Context, connectionID string) (*client.ConnectionInfo, error) {
	return &client.ConnectionInfo{ID: connectionID, Online: true, Country: "NL"}, nil
}

func (d *fakeDevice) UpdateConnectionSettings(ctx context.Context, connectionID string, settings *client.RotationSettings) error {
	d.settings = append(d.settings, *settings)
	return nil
}

func (d *fakeDevice) CreateActionLink(ctx context.Context, connectionID, action string) (*client.ActionLink, error) {
	link := client.ActionLink{ID: uuid.NewString(), Action: action, URL: "https://gw.example.net/rotate/" + connectionID}
	d.links = append(d.links, link)
	return &link, nil
}

func (d *fakeDevice) GetActionLinks(ctx context.Context, connectionID string) ([]client.ActionLink, error) {
	return d.links, nil
}

type fakeNotifier struct {
	admin    []string
	customer []string
}

func (n *fakeNotifier) NotifyAdmin(ctx context.Context, template string, data map[string]any) error {
	n.admin = append(n.admin, template)
	return nil
}

func (n *fakeNotifier) NotifyCustomer(ctx context.Context, userID uuid.UUID, template string, data map[string]any) error {
	n.customer = append(n.customer, template)
	return nil
}

type fakeProvisionOrders struct {
	orders     map[uuid.UUID]*models.Order
	processing []uuid.UUID
	activated  []uuid.UUID
}

func newFakeProvisionOrders(orders ...*models.Order) *fakeProvisionOrders {
	m := make(map[uuid.UUID]*models.Order)
	for _, o := range orders {
		m[o.ID] = o
	}
	return &fakeProvisionOrders{orders: m}
}

func (f *fakeProvisionOrders) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return o, nil
}

func (f *fakeProvisionOrders) MarkProcessing(ctx context.Context, id uuid.UUID, connectionID, reason string) error {
	f.processing = append(f.processing, id)
	if o, ok := f.orders[id]; ok {
		o.Status = models.OrderStatusProcessing
		o.ConnectionID = &connectionID
		o.PendingReason = &reason
		o.ManualProvisioning = true
	}
	return nil
}

func (f *fakeProvisionOrders) ActivateProvisioned(ctx context.Context, id uuid.UUID, connectionID string, startAt, expiresAt time.Time) (bool, error) {
	o, ok := f.orders[id]
	if !ok || (o.Status != models.OrderStatusPending && o.Status != models.OrderStatusProcessing) {
		return false, nil
	}
	o.Status = models.OrderStatusActive
	o.ConnectionID = &connectionID
	o.StartAt = &startAt
	o.ExpiresAt = &expiresAt
	f.activated = append(f.activated, id)
	return true, nil
}

func (f *fakeProvisionOrders) UpdateRotation(ctx context.Context, id uuid.UUID, enabled bool, intervalMin int) error {
	if o, ok := f.orders[id]; ok {
		o.RotationEnabled = enabled
		o.RotationIntervalMin = intervalMin
	}
	return nil
}

type fakeProxies struct {
	rows      []models.Proxy
	createErr error
}

func (f *fakeProxies) Create(ctx context.Context, p *models.Proxy) (*models.Proxy, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	p.ID = uuid.New()
	f.rows = append(f.rows, *p)
	return p, nil
}

func (f *fakeProxies) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Proxy, error) {
	var out []models.Proxy
	for _, p := range f.rows {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakePool struct {
	occupied   map[string]uuid.UUID
	access     map[string][]string
	configured []string
	released   []string
}

func newFakePool() *fakePool {
	return &fakePool{occupied: make(map[string]uuid.UUID), access: make(map[string][]string)}
}

func (f *fakePool) Get(ctx context.Context, connectionID string) (*models.Connection, error) {
	c := &models.Connection{ConnectionID: connectionID}
	if orderID, ok := f.occupied[connectionID]; ok {
		c.IsOccupied = true
		c.OrderID = &orderID
	}
	return c, nil
}

func (f *fakePool) Occupy(ctx context.Context, connectionID string, userID, orderID uuid.UUID, expiresAt time.Time) (bool, error) {
	if _, taken := f.occupied[connectionID]; taken {
		return false, nil
	}
	f.occupied[connectionID] = orderID
	return true, nil
}

func (f *fakePool) SetProxyAccess(ctx context.Context, connectionID string, access []string) error {
	f.access[connectionID] = access
	return nil
}

func (f *fakePool) MarkConfigured(ctx context.Context, connectionID string) error {
	f.configured = append(f.configured, connectionID)
	return nil
}

func (f *fakePool) Release(ctx context.Context, connectionID string) error {
	delete(f.occupied, connectionID)
	f.released = append(f.released, connectionID)
	return nil
}

type fakeEvents struct{ actions []string }

func (f *fakeEvents) LogAction(ctx context.Context, orderID uuid.UUID, action, status, message string) error {
	f.actions = append(f.actions, action+"/"+status)
	return nil
}

type fakeConnStore struct{ conn *models.Connection }

func (f *fakeConnStore) PickAvailable(ctx context.Context) (*models.Connection, error) {
	if f.conn == nil {
		return nil, repository.ErrNotFound
	}
	return f.conn, nil
}

func (f *fakeConnStore) Get(ctx context.Context, connectionID string) (*models.Connection, error) {
	if f.conn == nil || f.conn.ConnectionID != connectionID {
		return nil, repository.ErrNotFound
	}
	return f.conn, nil
}

func testCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	c, err := secrets.NewCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	return c
}

type provisionFixture struct {
	svc      *ProvisionService
	device   *fakeDevice
	notifier *fakeNotifier
	orders   *fakeProvisionOrders
	proxies  *fakeProxies
	pool     *fakePool
	events   *fakeEvents
}

func newProvisionFixture(t *testing.T, order *models.Order, conn *models.Connection) *provisionFixture {
	device := &fakeDevice{}
	notifier := &fakeNotifier{}
	orders := newFakeProvisionOrders(order)
	proxies := &fakeProxies{}
	pool := newFakePool()
	events := &fakeEvents{}
	quota := NewQuotaService(newFakeQuotaStore(10), 15*time.Minute, time.Minute)
	selector := NewConnectionService(&fakeConnStore{conn: conn})

	return &provisionFixture{
		svc: NewProvisionService(
			orders, proxies, pool, selector, quota,
			device, notifier, events, testCipher(t),
		),
		device:   device,
		notifier: notifier,
		orders:   orders,
		proxies:  proxies,
		pool:     pool,
		events:   events,
	}
}

func pendingOrder() *models.Order {
	return &models.Order{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		PlanID:       "plan-30d",
		Status:       models.OrderStatusPending,
		Quantity:     1,
		DurationDays: 30,
	}
}

func TestProvision_GrantsBothProtocolsWithSharedCredentials(t *testing.T) {
	order := pendingOrder()
	fx := newProvisionFixture(t, order, nil)

	result, err := fx.svc.Provision(context.Background(), order, &models.ConnectionPick{
		ConnectionID: "conn-1", IsActive: true,
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusActive, result.Status)
	assert.Len(t, result.ProxyAccess, 2)

	require.Len(t, fx.device.grants, 2)
	assert.Equal(t, models.ProxyProtocolHTTP, fx.device.grants[0].Protocol)
	assert.Equal(t, models.ProxyProtocolSOCKS5, fx.device.grants[1].Protocol)
	assert.Equal(t, fx.device.grants[0].Login, fx.device.grants[1].Login, "both protocols share one login")
	assert.Equal(t, fx.device.grants[0].Password, fx.device.grants[1].Password, "both protocols share one password")

	assert.Len(t, fx.proxies.rows, 2)
	assert.Equal(t, order.ID, fx.pool.occupied["conn-1"])
	assert.Contains(t, fx.orders.activated, order.ID)
	assert.Equal(t, models.OrderStatusActive, order.Status)
}

func TestProvision_SecondGrantFailureRevokesFirst(t *testing.T) {
	order := pendingOrder()
	fx := newProvisionFixture(t, order, nil)
	fx.device.failOnGrant = 2 // socks5

	_, err := fx.svc.Provision(context.Background(), order, &models.ConnectionPick{
		ConnectionID: "conn-1", IsActive: true,
	})
	require.Error(t, err)

	assert.Equal(t, []string{"grant-http"}, fx.device.revoked, "http grant must be rolled back")
	assert.Empty(t, fx.proxies.rows, "no credential rows after rollback")
	assert.Empty(t, fx.orders.activated)
	assert.Equal(t, models.OrderStatusPending, order.Status, "order stays pending for retry")
}

func TestProvision_InactiveConnectionParksOrder(t *testing.T) {
	order := pendingOrder()
	fx := newProvisionFixture(t, order, nil)

	result, err := fx.svc.Provision(context.Background(), order, &models.ConnectionPick{
		ConnectionID: "conn-2", IsActive: false,
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusProcessing, result.Status)
	assert.NotEmpty(t, result.PendingReason)
	assert.Contains(t, fx.orders.processing, order.ID)
	assert.Contains(t, fx.notifier.admin, "manual_provisioning_required")
	assert.Zero(t, fx.device.grantCalls, "no grants against an offline device")
}

func TestProvision_UnconfiguredConnectionAlertsButProceeds(t *testing.T) {
	order := pendingOrder()
	fx := newProvisionFixture(t, order, nil)

	result, err := fx.svc.Provision(context.Background(), order, &models.ConnectionPick{
		ConnectionID: "conn-3", IsActive: true, NotConfigured: true,
	})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusActive, result.Status)
	assert.Contains(t, fx.notifier.admin, "connection_not_configured")
}

func TestProvision_PersistFailureIsPartialNotRevoked(t *testing.T) {
	order := pendingOrder()
	fx := newProvisionFixture(t, order, nil)
	fx.proxies.createErr = errs.New("disk full")

	_, err := fx.svc.Provision(context.Background(), order, &models.ConnectionPick{
		ConnectionID: "conn-1", IsActive: true,
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrPartialProvisioning))
	assert.Empty(t, fx.device.revoked, "live credentials must not be revoked")
	assert.Contains(t, fx.notifier.admin, "partial_provisioning")
}

func TestProvisionOrder_AlreadyActiveReturnsExistingAccess(t *testing.T) {
	order := pendingOrder()
	fx := newProvisionFixture(t, order, nil)

	first, err := fx.svc.Provision(context.Background(), order, &models.ConnectionPick{
		ConnectionID: "conn-1", IsActive: true,
	})
	require.NoError(t, err)
	callsAfterFirst := fx.device.grantCalls

	second, err := fx.svc.ProvisionOrder(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, first.ProxyAccess, second.ProxyAccess)
	assert.Equal(t, callsAfterFirst, fx.device.grantCalls, "re-invocation must not grant again")
}

func TestProvisionOrder_EmptyPoolAlertsAdmin(t *testing.T) {
	order := pendingOrder()
	fx := newProvisionFixture(t, order, nil)

	_, err := fx.svc.ProvisionOrder(context.Background(), order)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrNoConnectionAvailable))
	assert.Contains(t, fx.notifier.admin, "pool_empty")
}

func TestActivateManual_DeductsQuotaAndProvisions(t *testing.T) {
	order := pendingOrder()
	order.Status = models.OrderStatusProcessing
	connID := "conn-9"
	order.ConnectionID = &connID
	order.ManualProvisioning = true
	fx := newProvisionFixture(t, order, nil)

	result, err := fx.svc.ActivateManual(context.Background(), order.ID, "")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusActive, result.Status)
	assert.Equal(t, "conn-9", result.ConnectionID)
	assert.Contains(t, fx.pool.configured, "conn-9")
}

func TestActivateManual_RetryOnActiveOrderDoesNotRegrant(t *testing.T) {
	order := pendingOrder()
	order.Status = models.OrderStatusProcessing
	connID := "conn-9"
	order.ConnectionID = &connID
	order.ManualProvisioning = true
	fx := newProvisionFixture(t, order, nil)

	first, err := fx.svc.ActivateManual(context.Background(), order.ID, "")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusActive, first.Status)
	grants := fx.device.grantCalls
	rows := len(fx.proxies.rows)

	second, err := fx.svc.ActivateManual(context.Background(), order.ID, "")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusActive, second.Status)
	assert.Equal(t, first.ProxyAccess, second.ProxyAccess, "retry reports the existing credentials")
	assert.Equal(t, grants, fx.device.grantCalls, "retry must not grant again")
	assert.Len(t, fx.proxies.rows, rows, "retry must not duplicate proxy rows")
}

func TestGetRotationLinks_CreatesWhenMissing(t *testing.T) {
	order := pendingOrder()
	fx := newProvisionFixture(t, order, nil)

	_, err := fx.svc.Provision(context.Background(), order, &models.ConnectionPick{
		ConnectionID: "conn-1", IsActive: true,
	})
	require.NoError(t, err)

	links, err := fx.svc.GetRotationLinks(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "change-ip", links[0].Action)
}
