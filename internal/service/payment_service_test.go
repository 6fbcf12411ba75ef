package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ichristine180/iproxy-sub001/internal/errs"
	"github.com/ichristine180/iproxy-sub001/internal/models"
	"github.com/ichristine180/iproxy-sub001/internal/repository"
)

const testWebhookSecret = "webhook-test-secret"

func (f *fakeProvisionOrders) UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	o, ok := f.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (f *fakeProvisionOrders) CancelTrialOrders(ctx context.Context, userID uuid.UUID) (int, error) {
	n := 0
	for _, o := range f.orders {
		if o.UserID == userID && o.IsTrial &&
			(o.Status == models.OrderStatusPending || o.Status == models.OrderStatusActive) {
			o.Status = models.OrderStatusCancelled
			n++
		}
	}
	return n, nil
}

type fakePayments struct {
	byRef   map[string]*models.Payment
	retries int
}

func newFakePayments() *fakePayments {
	return &fakePayments{byRef: make(map[string]*models.Payment)}
}

func (f *fakePayments) GetByOrderReference(ctx context.Context, ref string) (*models.Payment, error) {
	p, ok := f.byRef[ref]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePayments) Upsert(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	existing, ok := f.byRef[p.OrderReference]
	if ok && existing.IsFinal {
		cp := *existing
		return &cp, nil
	}
	stored := *p
	if ok {
		stored.ID = existing.ID
		if stored.OrderID == nil {
			stored.OrderID = existing.OrderID
		}
	} else {
		stored.ID = uuid.New()
	}
	f.byRef[p.OrderReference] = &stored
	cp := stored
	return &cp, nil
}

func (f *fakePayments) IncrementRetry(ctx context.Context, id uuid.UUID) error {
	f.retries++
	return nil
}

type paymentFixture struct {
	svc      *PaymentService
	payments *fakePayments
	orders   *fakeProvisionOrders
	quota    *QuotaService
	store    *fakeQuotaStore
	device   *fakeDevice
	order    *models.Order
	ref      string
}

func newPaymentFixture(t *testing.T, rejectOnBadSig bool, extra ...*models.Order) *paymentFixture {
	t.Helper()

	order := pendingOrder()
	orders := newFakeProvisionOrders(append([]*models.Order{order}, extra...)...)

	store := newFakeQuotaStore(10)
	quota := NewQuotaService(store, 15*time.Minute, time.Minute)
	_, err := quota.Reserve(context.Background(), order.ID, order.UserID, order.Quantity)
	require.NoError(t, err)

	device := &fakeDevice{}
	selector := NewConnectionService(&fakeConnStore{conn: &models.Connection{
		ConnectionID: "conn-1", IsActive: true, IsConfigured: true,
	}})
	provisioner := NewProvisionService(
		orders, &fakeProxies{}, newFakePool(), selector, quota,
		device, &fakeNotifier{}, &fakeEvents{}, testCipher(t),
	)

	ref := fmt.Sprintf("ipx-%d-%s", time.Now().Unix(), order.UserID)
	payments := newFakePayments()
	payments.byRef[ref] = &models.Payment{
		ID:             uuid.New(),
		OrderReference: ref,
		OrderID:        &order.ID,
		Provider:       "nowpayments",
		Status:         models.PaymentStatusPending,
	}

	svc := NewPaymentService(payments, orders, quota, provisioner, &fakeEvents{}, PaymentConfig{
		Provider:             "nowpayments",
		WebhookSecret:        testWebhookSecret,
		RejectOnBadSignature: rejectOnBadSig,
		ReferencePrefix:      "ipx",
	})

	return &paymentFixture{
		svc: svc, payments: payments, orders: orders,
		quota: quota, store: store, device: device,
		order: order, ref: ref,
	}
}

func signBody(body []byte) string {
	mac := hmac.New(sha512.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(ref, status string) []byte {
	return []byte(fmt.Sprintf(`{"payment_id":4937291,"payment_status":%q,"order_id":%q,"price_amount":42.5,"price_currency":"usd","pay_currency":"btc"}`, status, ref))
}

func signedSource(ref, status string) *WebhookSource {
	body := webhookBody(ref, status)
	return &WebhookSource{SourceIP: "10.0.0.1", Signature: signBody(body), RawBody: body}
}

func TestMapProviderStatus(t *testing.T) {
	m, ok := models.MapProviderStatus("finished")
	require.True(t, ok)
	assert.Equal(t, models.PaymentStatusPaid, m.PaymentStatus)
	assert.Equal(t, models.OrderStatusActive, m.OrderStatus)
	assert.True(t, m.IsFinal)

	m, ok = models.MapProviderStatus("partially_paid")
	require.True(t, ok)
	assert.Equal(t, models.PaymentStatusProcessing, m.PaymentStatus)
	assert.False(t, m.IsFinal)

	m, ok = models.MapProviderStatus("expired")
	require.True(t, ok)
	assert.Equal(t, models.PaymentStatusFailed, m.PaymentStatus)
	assert.True(t, m.IsFinal)

	_, ok = models.MapProviderStatus("teleported")
	assert.False(t, ok)
}

func TestParseOrderReference(t *testing.T) {
	userID := uuid.New()
	ref := BuildOrderReference("ipx", userID)

	parsed, err := ParseOrderReference(ref, "ipx")
	require.NoError(t, err)
	assert.Equal(t, userID, parsed)

	_, err = ParseOrderReference("other-123-"+userID.String(), "ipx")
	assert.True(t, errs.Is(err, errs.ErrMalformedReference))

	_, err = ParseOrderReference("ipx-notanumber-"+userID.String(), "ipx")
	assert.True(t, errs.Is(err, errs.ErrMalformedReference))

	_, err = ParseOrderReference("ipx-123-not-a-uuid", "ipx")
	assert.True(t, errs.Is(err, errs.ErrMalformedReference))
}

func TestHandleWebhook_FinishedActivatesAndProvisions(t *testing.T) {
	fx := newPaymentFixture(t, false)

	ack := fx.svc.HandleWebhook(context.Background(), signedSource(fx.ref, "finished"))
	assert.Equal(t, "ok", ack.Status)

	assert.Equal(t, models.OrderStatusActive, fx.order.Status)
	assert.Equal(t, 2, fx.device.grantCalls, "both protocols provisioned")

	reservation, err := fx.quota.GetByOrder(context.Background(), fx.order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStateConfirmed, reservation.State)

	stored := fx.payments.byRef[fx.ref]
	assert.Equal(t, models.PaymentStatusPaid, stored.Status)
	assert.True(t, stored.IsFinal)
	assert.True(t, stored.SignatureValid)
}

func TestHandleWebhook_ReplayActivatesAtMostOnce(t *testing.T) {
	fx := newPaymentFixture(t, false)
	src := signedSource(fx.ref, "finished")

	ack := fx.svc.HandleWebhook(context.Background(), src)
	assert.Equal(t, "ok", ack.Status)
	grantsAfterFirst := fx.device.grantCalls
	activations := len(fx.orders.activated)

	for i := 0; i < 3; i++ {
		ack = fx.svc.HandleWebhook(context.Background(), src)
		assert.Equal(t, "ok", ack.Status, "replays are acked, not errored")
	}

	assert.Equal(t, grantsAfterFirst, fx.device.grantCalls, "replays must not re-grant")
	assert.Equal(t, activations, len(fx.orders.activated), "replays must not re-activate")
}

func TestHandleWebhook_LateFinishedAfterSweepStillDebitsQuota(t *testing.T) {
	fx := newPaymentFixture(t, false)

	// Crypto settlement outlives the hold TTL and the sweep reclaims it
	// before the provider's webhook lands.
	fx.store.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	swept, err := fx.quota.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	available, err := fx.store.Available(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, available, "sweep returned the lapsed hold")

	ack := fx.svc.HandleWebhook(context.Background(), signedSource(fx.ref, "finished"))
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, models.OrderStatusActive, fx.order.Status)
	assert.Equal(t, 2, fx.device.grantCalls)

	available, err = fx.store.Available(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, available, "late activation still debits the ledger")
}

func TestHandleWebhook_FailedReleasesReservation(t *testing.T) {
	fx := newPaymentFixture(t, false)

	ack := fx.svc.HandleWebhook(context.Background(), signedSource(fx.ref, "failed"))
	assert.Equal(t, "ok", ack.Status)

	assert.Equal(t, models.OrderStatusFailed, fx.order.Status)

	available, err := fx.store.Available(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, available, "failed payment returns the hold to quota")
	assert.Zero(t, fx.device.grantCalls)
}

func TestHandleWebhook_CancelledOrderNotResurrectedByLatePayment(t *testing.T) {
	fx := newPaymentFixture(t, false)
	fx.order.Status = models.OrderStatusCancelled

	ack := fx.svc.HandleWebhook(context.Background(), signedSource(fx.ref, "finished"))
	assert.Equal(t, "ok", ack.Status, "money is recorded even when activation is skipped")

	assert.Equal(t, models.OrderStatusCancelled, fx.order.Status)
	assert.Zero(t, fx.device.grantCalls)
	assert.Equal(t, models.PaymentStatusPaid, fx.payments.byRef[fx.ref].Status)
}

func TestHandleWebhook_TrialOrdersRetiredOnPaidActivation(t *testing.T) {
	trial := pendingOrder()
	trial.IsTrial = true
	trial.Status = models.OrderStatusActive

	fx := newPaymentFixture(t, false, trial)
	trial.UserID = fx.order.UserID

	ack := fx.svc.HandleWebhook(context.Background(), signedSource(fx.ref, "finished"))
	assert.Equal(t, "ok", ack.Status)

	assert.Equal(t, models.OrderStatusCancelled, trial.Status, "paid order retires the trial")
	assert.Equal(t, models.OrderStatusActive, fx.order.Status)
}

func TestHandleWebhook_MalformedReferenceIgnored(t *testing.T) {
	fx := newPaymentFixture(t, false)

	ack := fx.svc.HandleWebhook(context.Background(), signedSource("garbage", "finished"))
	assert.Equal(t, "ignored", ack.Status)
	assert.Equal(t, models.OrderStatusPending, fx.order.Status)
}

func TestHandleWebhook_UnknownStatusIgnored(t *testing.T) {
	fx := newPaymentFixture(t, false)

	ack := fx.svc.HandleWebhook(context.Background(), signedSource(fx.ref, "quantum"))
	assert.Equal(t, "ignored", ack.Status)
	assert.Equal(t, models.PaymentStatusPending, fx.payments.byRef[fx.ref].Status)
}

func TestHandleWebhook_BadSignatureAdvisoryByDefault(t *testing.T) {
	fx := newPaymentFixture(t, false)
	body := webhookBody(fx.ref, "finished")

	ack := fx.svc.HandleWebhook(context.Background(), &WebhookSource{
		SourceIP: "10.0.0.1", Signature: "deadbeef", RawBody: body,
	})
	assert.Equal(t, "ok", ack.Status, "default policy processes despite bad signature")

	assert.Equal(t, models.OrderStatusActive, fx.order.Status)
	assert.False(t, fx.payments.byRef[fx.ref].SignatureValid, "the doubt is recorded")
}

func TestHandleWebhook_BadSignatureRejectedWhenConfigured(t *testing.T) {
	fx := newPaymentFixture(t, true)
	body := webhookBody(fx.ref, "finished")

	ack := fx.svc.HandleWebhook(context.Background(), &WebhookSource{
		SourceIP: "10.0.0.1", Signature: "deadbeef", RawBody: body,
	})
	assert.Equal(t, "rejected", ack.Status)
	assert.Equal(t, models.OrderStatusPending, fx.order.Status)
	assert.Zero(t, fx.device.grantCalls)
}
