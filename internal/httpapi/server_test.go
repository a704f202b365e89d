package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"canteenservice/internal/checkout"
	"canteenservice/internal/config"
	"canteenservice/internal/events/eventstest"
	"canteenservice/internal/inventory"
	"canteenservice/internal/order"
	"canteenservice/internal/payment"
	"canteenservice/internal/platform/redisstore/redistest"
	"canteenservice/internal/reservation"
	"canteenservice/internal/session"
	"canteenservice/internal/settlement"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
)

const (
	keySecret     = "key-secret"
	webhookSecret = "webhook-secret"
)

type fakeGateway struct {
	seq      int64
	fetchErr error
	amount   int64
}

func (g *fakeGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (payment.GatewayOrderRef, error) {
	n := atomic.AddInt64(&g.seq, 1)
	atomic.StoreInt64(&g.amount, amount)
	return payment.GatewayOrderRef{ID: fmt.Sprintf("order_%d", n), Amount: amount, Currency: currency, Receipt: receipt}, nil
}

func (g *fakeGateway) FetchPayment(ctx context.Context, paymentID string) (payment.GatewayPayment, error) {
	if g.fetchErr != nil {
		return payment.GatewayPayment{}, g.fetchErr
	}
	return payment.GatewayPayment{
		ID:       paymentID,
		OrderID:  fmt.Sprintf("order_%d", atomic.LoadInt64(&g.seq)),
		Status:   "captured",
		Captured: true,
		Amount:   atomic.LoadInt64(&g.amount),
		Currency: "INR",
		Method:   "upi",
	}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, paymentID string, amount int64) (string, error) {
	return "rfnd_1", nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, key string, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.keys = append(d.keys, key)
	return nil
}

type fixture struct {
	handler    http.Handler
	gateway    *fakeGateway
	dispatcher *recordingDispatcher
	inv        *inventory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, _ := redistest.NewStore(t)
	logger := zaptest.NewLogger(t)
	tracer := otel.Tracer("test")
	rec := &eventstest.Recorder{}

	inv := inventory.NewStore(db, logger, tracer)
	_, err := inv.Upsert(context.Background(), inventory.MenuItem{ID: "dosa", Name: "Masala Dosa", Price: 6000, AvailableQuantity: 3})
	require.NoError(t, err)

	ledger := reservation.NewLedger(db, inv, logger, tracer, nil)
	orders := order.NewMachine(db, rec, logger, tracer)
	records := payment.NewRecords(db, logger)
	gw := &fakeGateway{}
	coordinator := settlement.NewCoordinator(ledger, orders, records, gw, rec, settlement.Config{
		KeySecret:      keySecret,
		WebhookSecret:  webhookSecret,
		GatewayTimeout: 100 * time.Millisecond,
	}, logger, tracer, nil)
	dispatcher := &recordingDispatcher{}

	server := NewServer(Deps{
		Checkout:   checkout.NewService(inv, ledger, orders, records, gw, checkout.Config{Currency: "INR", KeyID: "rzp_test"}, logger, tracer, nil),
		Settlement: coordinator,
		Dispatcher: dispatcher,
		Inventory:  inv,
		Ledger:     ledger,
		Orders:     orders,
		Payments:   records,
		Sessions:   session.NewManager(db, rec, logger, tracer),
		Logger:     logger,
		Tracer:     tracer,
	})
	return &fixture{handler: server.Handler(), gateway: gw, dispatcher: dispatcher, inv: inv}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	decode(t, rec, &resp)
	return resp.Error
}

func (f *fixture) checkout(t *testing.T, qty int) checkout.Result {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/checkout", map[string]interface{}{
		"userId": "u1",
		"items":  []map[string]interface{}{{"itemId": "dosa", "quantity": qty}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result checkout.Result
	decode(t, rec, &result)
	return result
}

func TestCheckoutAndVerify(t *testing.T) {
	f := newFixture(t)
	result := f.checkout(t, 2)
	assert.Equal(t, int64(12000), result.Amount)
	assert.Equal(t, "order_1", result.IntentID)

	sig := payment.Sign(keySecret, payment.PaymentSignaturePayload(result.IntentID, "pay_1"))
	rec := f.do(t, http.MethodPost, "/payments/verify", verifyRequest{IntentID: result.IntentID, PaymentID: "pay_1", Signature: sig})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out outcomeResponse
	decode(t, rec, &out)
	assert.Equal(t, settlement.OutcomeSettled, out.Outcome)

	rec = f.do(t, http.MethodGet, "/orders/"+result.OrderID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var o order.Order
	decode(t, rec, &o)
	assert.Equal(t, order.PaymentConfirmed, o.PaymentState)

	item, err := f.inv.Get(context.Background(), "dosa")
	require.NoError(t, err)
	assert.Equal(t, 1, item.AvailableQuantity)
	assert.Zero(t, item.ReservedQuantity)

	rec = f.do(t, http.MethodGet, "/admin/reservations/"+result.IntentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var r reservation.Reservation
	decode(t, rec, &r)
	assert.Equal(t, reservation.StatusCompleted, r.Status)

	rec = f.do(t, http.MethodGet, "/admin/payments/pay_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/payments/pay_1/refund", refundRequest{Amount: 6000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCheckoutErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/checkout", map[string]interface{}{
		"userId": "u1",
		"items":  []map[string]interface{}{{"itemId": "dosa", "quantity": 4}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp errorResponse
	decode(t, rec, &resp)
	assert.Equal(t, codeInsufficientStock, resp.Error)
	assert.Equal(t, "dosa", resp.ItemID)

	rec = f.do(t, http.MethodPost, "/checkout", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRequest, errorCode(t, rec))

	rec = f.do(t, http.MethodGet, "/checkout", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestVerifyErrors(t *testing.T) {
	f := newFixture(t)
	result := f.checkout(t, 1)

	rec := f.do(t, http.MethodPost, "/payments/verify", verifyRequest{IntentID: result.IntentID, PaymentID: "pay_1", Signature: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeSignatureInvalid, errorCode(t, rec))

	f2 := newFixture(t)
	result = f2.checkout(t, 1)
	f2.gateway.fetchErr = fmt.Errorf("%w: slow", payment.ErrGatewayTimeout)
	sig := payment.Sign(keySecret, payment.PaymentSignaturePayload(result.IntentID, "pay_2"))
	rec = f2.do(t, http.MethodPost, "/payments/verify", verifyRequest{IntentID: result.IntentID, PaymentID: "pay_2", Signature: sig})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, codeGatewayTimeout, errorCode(t, rec))

	rec = f2.do(t, http.MethodPost, "/payments/verify", verifyRequest{IntentID: result.IntentID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayWebhook(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_9","amount":6000,"status":"captured"}}}}`)

	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
		req.Header.Set(config.SignatureHeader, sig)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send("bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.dispatcher.keys)

	rec = send(payment.Sign(webhookSecret, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"order_9"}, f.dispatcher.keys)

	f.dispatcher.err = errors.New("broker down")
	rec = send(payment.Sign(webhookSecret, body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOrderEndpoints(t *testing.T) {
	f := newFixture(t)
	result := f.checkout(t, 1)

	rec := f.do(t, http.MethodPost, "/orders/"+result.OrderID+"/status", statusRequest{Status: string(order.StatusCooking)})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, codeInvalidTransition, errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/orders/"+result.OrderID+"/status", statusRequest{Status: "Burnt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/orders/"+result.OrderID+"/cancel", reasonRequest{Reason: "Customer changed mind"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var o order.Order
	decode(t, rec, &o)
	assert.Equal(t, order.StatusTerminated, o.Status)

	rec = f.do(t, http.MethodGet, "/users/u1/orders/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []order.Order
	decode(t, rec, &history)
	assert.Len(t, history, 1)

	rec = f.do(t, http.MethodGet, "/admin/orders/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &history)
	assert.Len(t, history, 1)
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/sessions/login", loginRequest{UserID: "u1", Device: session.Device{DeviceID: "phone"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/sessions/login", loginRequest{UserID: "u1", Device: session.Device{DeviceID: "tablet"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var result session.LoginResult
	decode(t, rec, &result)
	require.NotNil(t, result.Displaced)
	assert.Equal(t, "phone", result.Displaced.Device.DeviceID)

	rec = f.do(t, http.MethodPost, "/sessions/logout", logoutRequest{UserID: "u1", DeviceID: "tablet"})
	require.Equal(t, http.StatusOK, rec.Code)
	var ended map[string]bool
	decode(t, rec, &ended)
	assert.True(t, ended["loggedOut"])

	rec = f.do(t, http.MethodPost, "/admin/sessions/u1/logout", reasonRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &ended)
	assert.False(t, ended["loggedOut"])

	rec = f.do(t, http.MethodGet, "/users/u1/sessions/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []session.HistoryEntry
	decode(t, rec, &entries)
	assert.Len(t, entries, 2)

	rec = f.do(t, http.MethodPost, "/sessions/login", loginRequest{UserID: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMenuEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/admin/menu/chai", inventory.MenuItem{Name: "Chai", Price: 1500, HasUnlimitedStock: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/admin/menu/dosa/restock", restockRequest{Delta: 2})
	require.Equal(t, http.StatusOK, rec.Code)
	var item inventory.MenuItem
	decode(t, rec, &item)
	assert.Equal(t, 5, item.AvailableQuantity)

	rec = f.do(t, http.MethodPut, "/admin/menu/dosa", inventory.MenuItem{Name: "Dosa", AvailableQuantity: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/menu", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []inventory.MenuItem
	decode(t, rec, &items)
	assert.Len(t, items, 2)
}

func TestHealthAndHeaders(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
