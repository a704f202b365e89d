package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"canteenservice/internal/events"
	"canteenservice/internal/events/eventstest"
	"canteenservice/internal/platform/redisstore"
	"canteenservice/internal/platform/redisstore/redistest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMachine(t *testing.T) (*Machine, *redisstore.Store, *clock, *eventstest.Recorder) {
	t.Helper()
	db, _ := redistest.NewStore(t)
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &eventstest.Recorder{}
	m := NewMachine(db, rec, zaptest.NewLogger(t), otel.Tracer("test"), WithClock(clk.Now))
	return m, db, clk, rec
}

func placeOrder(t *testing.T, m *Machine, id, intentID string) Order {
	t.Helper()
	o, err := m.Create(context.Background(), Order{
		ID:       id,
		UserID:   "u1",
		IntentID: intentID,
		Items:    []Item{{ItemID: "x", Name: "Dosa", Quantity: 2, Price: 6000}},
		Total:    12000,
	})
	require.NoError(t, err)
	return o
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPlaced, StatusCooking, true},
		{StatusCooking, StatusCooked, true},
		{StatusCooked, StatusPickUp, true},
		{StatusPickUp, StatusPickedUp, true},
		{StatusPlaced, StatusCooked, false},
		{StatusCooking, StatusTerminated, true},
		{StatusPickUp, StatusTerminated, true},
		{StatusPlaced, StatusExpired, true},
		{StatusPickUp, StatusExpired, true},
		{StatusCooking, StatusExpired, false},
		{StatusPickedUp, StatusTerminated, false},
		{StatusTerminated, StatusPlaced, false},
		{StatusExpired, StatusTerminated, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCreate_IndexesAndPublishes(t *testing.T) {
	m, _, _, rec := newTestMachine(t)
	ctx := context.Background()

	o := placeOrder(t, m, "o1", "order_abc")
	assert.Equal(t, StatusPlaced, o.Status)
	assert.Equal(t, PaymentPending, o.PaymentState)

	byIntent, err := m.GetByIntent(ctx, "order_abc")
	require.NoError(t, err)
	assert.Equal(t, "o1", byIntent.ID)

	active, err := m.IsActive(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, active)

	require.Len(t, rec.OfType(events.OrderCreated), 1)

	_, err = m.Create(ctx, Order{ID: "o2", UserID: "u1", IntentID: "order_abc"})
	assert.ErrorIs(t, err, ErrDuplicatePaymentLink)
}

func TestAdvance_RequiresConfirmedPayment(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()
	placeOrder(t, m, "o1", "i1")

	_, err := m.Advance(ctx, "o1", StatusCooking)
	assert.ErrorIs(t, err, ErrPaymentNotConfirmed)

	_, changed, err := m.ConfirmPayment(ctx, "i1", "pay_1", "upi")
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = m.ConfirmPayment(ctx, "i1", "pay_1", "upi")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = m.Advance(ctx, "o1", StatusCooked)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	o, err := m.Advance(ctx, "o1", StatusCooking)
	require.NoError(t, err)
	assert.Equal(t, StatusCooking, o.Status)
	assert.Equal(t, "pay_1", o.PaymentID)
}

func TestStalePickupSweep_ArchivesIdenticalCopies(t *testing.T) {
	m, db, clk, rec := newTestMachine(t)
	ctx := context.Background()
	placeOrder(t, m, "o1", "i1")
	_, _, err := m.ConfirmPayment(ctx, "i1", "pay_1", "card")
	require.NoError(t, err)
	for _, s := range []Status{StatusCooking, StatusCooked, StatusPickUp} {
		_, err := m.Advance(ctx, "o1", s)
		require.NoError(t, err)
	}

	clk.Advance(4 * time.Minute)
	n, err := m.TerminateStalePickups(ctx, clk.Now(), 5*time.Minute, 500)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(2 * time.Minute)
	n, err = m.TerminateStalePickups(ctx, clk.Now(), 5*time.Minute, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := m.IsActive(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, active)

	exists, err := db.Client().Exists(ctx, m.orderKey("o1")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	userCopy, err := db.Client().Get(ctx, m.userHistoryKey("u1", "o1")).Result()
	require.NoError(t, err)
	adminCopy, err := db.Client().Get(ctx, m.adminHistoryKey("o1")).Result()
	require.NoError(t, err)
	assert.Equal(t, userCopy, adminCopy)

	userHistory, err := m.UserHistory(ctx, "u1", 10)
	require.NoError(t, err)
	adminHistory, err := m.AdminHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, userHistory, 1)
	require.Len(t, adminHistory, 1)
	assert.Equal(t, StatusTerminated, userHistory[0].Status)
	assert.NotNil(t, userHistory[0].ArchivedAt)

	// A second pass finds nothing and terminal orders stay immutable.
	n, err = m.TerminateStalePickups(ctx, clk.Now(), 5*time.Minute, 500)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = m.Cancel(ctx, "o1", "late")
	assert.ErrorIs(t, err, ErrNotFound)

	changes := rec.OfType(events.OrderStatusChanged)
	require.NotEmpty(t, changes)
	var last events.OrderStatusChangedData
	require.NoError(t, changes[len(changes)-1].Decode(&last))
	assert.Equal(t, string(StatusTerminated), last.To)
}

func TestFailPayment_TerminatesPendingOrder(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()
	placeOrder(t, m, "o1", "i1")

	o, changed, err := m.FailPayment(ctx, "i1", "pay_9", "card declined")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusTerminated, o.Status)
	assert.Equal(t, PaymentFailed, o.PaymentState)

	archived, err := m.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "card declined", archived.Reason)
}

func TestCancelUnpaid_LeavesPaidOrdersAlone(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()
	placeOrder(t, m, "paid", "i-paid")
	placeOrder(t, m, "unpaid", "i-unpaid")
	_, _, err := m.ConfirmPayment(ctx, "i-paid", "pay_1", "upi")
	require.NoError(t, err)

	_, changed, err := m.CancelUnpaid(ctx, "i-paid", "reservation expired")
	require.NoError(t, err)
	assert.False(t, changed)

	o, changed, err := m.CancelUnpaid(ctx, "i-unpaid", "reservation expired")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusTerminated, o.Status)
}

func TestExpireAbandoned(t *testing.T) {
	m, _, clk, _ := newTestMachine(t)
	ctx := context.Background()
	placeOrder(t, m, "old", "i-old")
	clk.Advance(23 * time.Hour)
	placeOrder(t, m, "new", "i-new")
	clk.Advance(2 * time.Hour)

	n, err := m.ExpireAbandoned(ctx, clk.Now(), 24*time.Hour, 500)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	old, err := m.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, old.Status)

	fresh, err := m.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, StatusPlaced, fresh.Status)
}
