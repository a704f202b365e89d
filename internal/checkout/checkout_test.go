package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"canteenservice/internal/events"
	"canteenservice/internal/events/eventstest"
	"canteenservice/internal/inventory"
	"canteenservice/internal/order"
	"canteenservice/internal/payment"
	"canteenservice/internal/platform/redisstore/redistest"
	"canteenservice/internal/reservation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
)

type fakeGateway struct {
	seq int64
	err error
}

func (g *fakeGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (payment.GatewayOrderRef, error) {
	if g.err != nil {
		return payment.GatewayOrderRef{}, g.err
	}
	n := atomic.AddInt64(&g.seq, 1)
	return payment.GatewayOrderRef{ID: fmt.Sprintf("order_%d", n), Amount: amount, Currency: currency, Receipt: receipt}, nil
}

func (g *fakeGateway) FetchPayment(ctx context.Context, paymentID string) (payment.GatewayPayment, error) {
	return payment.GatewayPayment{}, errors.New("not used")
}

func (g *fakeGateway) Refund(ctx context.Context, paymentID string, amount int64) (string, error) {
	return "", errors.New("not used")
}

type fixture struct {
	service *Service
	inv     *inventory.Store
	ledger  *reservation.Ledger
	orders  *order.Machine
	records *payment.Records
	gateway *fakeGateway
	events  *eventstest.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, _ := redistest.NewStore(t)
	logger := zaptest.NewLogger(t)
	tracer := otel.Tracer("test")
	rec := &eventstest.Recorder{}

	inv := inventory.NewStore(db, logger, tracer)
	for _, item := range []inventory.MenuItem{
		{ID: "dosa", Name: "Masala Dosa", Price: 6000, AvailableQuantity: 5},
		{ID: "chai", Name: "Chai", Price: 1500, HasUnlimitedStock: true},
	} {
		_, err := inv.Upsert(context.Background(), item)
		require.NoError(t, err)
	}

	ledger := reservation.NewLedger(db, inv, logger, tracer, nil)
	orders := order.NewMachine(db, rec, logger, tracer)
	records := payment.NewRecords(db, logger)
	gw := &fakeGateway{}

	svc := NewService(inv, ledger, orders, records, gw, Config{Currency: "INR", KeyID: "rzp_test"}, logger, tracer, nil)
	return &fixture{service: svc, inv: inv, ledger: ledger, orders: orders, records: records, gateway: gw, events: rec}
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	var cerr *Error
	require.True(t, errors.As(err, &cerr), "expected *checkout.Error, got %v", err)
	return cerr.Reason
}

func TestCheckout_CreatesReservationAndOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.Checkout(ctx, Request{
		UserID: "u1",
		Lines:  []reservation.Line{{ItemID: "dosa", Quantity: 2}, {ItemID: "chai", Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2*6000+3*1500), result.Amount)
	assert.Equal(t, "INR", result.Currency)
	assert.Equal(t, "rzp_test", result.KeyID)

	r, err := f.ledger.Get(ctx, result.IntentID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusActive, r.Status)
	assert.Equal(t, result.Amount, r.Amount)

	o, err := f.orders.Get(ctx, result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPlaced, o.Status)
	assert.Equal(t, result.IntentID, o.IntentID)
	assert.Len(t, o.Items, 2)

	gwOrder, err := f.records.GetGatewayOrder(ctx, result.IntentID)
	require.NoError(t, err)
	assert.Equal(t, result.OrderID, gwOrder.Receipt)

	item, err := f.inv.Get(ctx, "dosa")
	require.NoError(t, err)
	assert.Equal(t, 2, item.ReservedQuantity)
	assert.Len(t, f.events.OfType(events.OrderCreated), 1)
}

func TestCheckout_ConcurrentCheckoutsForScarceItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.Checkout(ctx, Request{UserID: fmt.Sprintf("u%d", i), Lines: []reservation.Line{{ItemID: "dosa", Quantity: 3}}})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, ReasonStockUnavailable, reasonOf(t, err))
		assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
	}
	assert.Equal(t, 1, succeeded)

	item, err := f.inv.Get(ctx, "dosa")
	require.NoError(t, err)
	assert.Equal(t, 3, item.ReservedQuantity)
}

func TestCheckout_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		req    Request
		gwErr  error
		reason Reason
	}{
		{"no user", Request{Lines: []reservation.Line{{ItemID: "dosa", Quantity: 1}}}, nil, ReasonInvalidRequest},
		{"empty cart", Request{UserID: "u1"}, nil, ReasonInvalidRequest},
		{"unknown item", Request{UserID: "u1", Lines: []reservation.Line{{ItemID: "ghost", Quantity: 1}}}, nil, ReasonInvalidRequest},
		{"too many", Request{UserID: "u1", Lines: []reservation.Line{{ItemID: "dosa", Quantity: 6}}}, nil, ReasonStockUnavailable},
		{"gateway timeout", Request{UserID: "u1", Lines: []reservation.Line{{ItemID: "dosa", Quantity: 1}}}, payment.ErrGatewayTimeout, ReasonTimeout},
		{"gateway rejected", Request{UserID: "u1", Lines: []reservation.Line{{ItemID: "dosa", Quantity: 1}}}, payment.ErrGatewayRejected, ReasonPaymentError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.gateway.err = tt.gwErr

			_, err := f.service.Checkout(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.reason, reasonOf(t, err))

			item, err := f.inv.Get(context.Background(), "dosa")
			require.NoError(t, err)
			assert.Equal(t, 0, item.ReservedQuantity)
		})
	}
}
