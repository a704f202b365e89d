package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"canteenservice/internal/events"
	"canteenservice/internal/events/eventstest"
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

func newTestManager(t *testing.T) (*Manager, *clock, *eventstest.Recorder) {
	t.Helper()
	db, _ := redistest.NewStore(t)
	clk := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	rec := &eventstest.Recorder{}
	m := NewManager(db, rec, zaptest.NewLogger(t), otel.Tracer("test")).WithClock(clk.Now)
	return m, clk, rec
}

func TestLogin_SameDeviceKeepsSession(t *testing.T) {
	m, clk, rec := newTestManager(t)
	ctx := context.Background()

	first, err := m.Login(ctx, "u1", Device{DeviceID: "phone"})
	require.NoError(t, err)
	assert.Nil(t, first.Displaced)

	clk.Advance(time.Minute)
	again, err := m.Login(ctx, "u1", Device{DeviceID: "phone"})
	require.NoError(t, err)
	assert.Nil(t, again.Displaced)
	assert.Equal(t, first.Session.LoginAt, again.Session.LoginAt)
	assert.Equal(t, clk.Now(), again.Session.LastSeenAt)

	history, err := m.History(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, rec.Events())
}

func TestLogin_OtherDeviceDisplacesSession(t *testing.T) {
	m, clk, rec := newTestManager(t)
	ctx := context.Background()

	_, err := m.Login(ctx, "u1", Device{DeviceID: "phone"})
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	result, err := m.Login(ctx, "u1", Device{DeviceID: "tablet"})
	require.NoError(t, err)
	require.NotNil(t, result.Displaced)
	assert.Equal(t, "phone", result.Displaced.Device.DeviceID)
	assert.Equal(t, ReasonOtherDevice, result.Displaced.Reason)
	assert.True(t, result.Displaced.Suspicious)

	active, err := m.Active(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "tablet", active.Device.DeviceID)

	history, err := m.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "phone", history[0].Device.DeviceID)

	terminated := rec.OfType(events.SessionTerminated)
	require.Len(t, terminated, 1)
	var data events.SessionTerminatedData
	require.NoError(t, terminated[0].Decode(&data))
	assert.Equal(t, "phone", data.DeviceID)
	assert.True(t, data.Suspicious)
}

func TestLogin_SwitchAfterLongSessionIsNotSuspicious(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Login(ctx, "u1", Device{DeviceID: "phone"})
	require.NoError(t, err)
	clk.Advance(3 * time.Hour)

	result, err := m.Login(ctx, "u1", Device{DeviceID: "laptop"})
	require.NoError(t, err)
	require.NotNil(t, result.Displaced)
	assert.False(t, result.Displaced.Suspicious)
}

func TestLogin_RequiresUserAndDevice(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Login(context.Background(), "", Device{DeviceID: "phone"})
	assert.Error(t, err)
	_, err = m.Login(context.Background(), "u1", Device{})
	assert.Error(t, err)
}

func TestLogout(t *testing.T) {
	m, _, rec := newTestManager(t)
	ctx := context.Background()

	_, err := m.Login(ctx, "u1", Device{DeviceID: "phone"})
	require.NoError(t, err)

	ok, err := m.Logout(ctx, "u1", "tablet")
	require.NoError(t, err)
	assert.False(t, ok, "another device cannot end the session")

	ok, err = m.Logout(ctx, "u1", "phone")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Active(ctx, "u1")
	assert.ErrorIs(t, err, ErrNoSession)

	ok, err = m.Logout(ctx, "u1", "phone")
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := m.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ReasonLoggedOut, history[0].Reason)
	assert.Empty(t, rec.OfType(events.SessionTerminated))
}

func TestForceLogout(t *testing.T) {
	m, _, rec := newTestManager(t)
	ctx := context.Background()

	ok, err := m.ForceLogout(ctx, "u1", "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Login(ctx, "u1", Device{DeviceID: "phone"})
	require.NoError(t, err)
	ok, err = m.ForceLogout(ctx, "u1", "Account locked")
	require.NoError(t, err)
	assert.True(t, ok)

	terminated := rec.OfType(events.SessionTerminated)
	require.Len(t, terminated, 1)
	var data events.SessionTerminatedData
	require.NoError(t, terminated[0].Decode(&data))
	assert.Equal(t, "Account locked", data.Reason)
}

func TestLogin_ConcurrentDevicesLeaveOneActive(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	devices := []string{"a", "b", "c", "d", "e"}

	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			_, err := m.Login(ctx, "u1", Device{DeviceID: d})
			assert.NoError(t, err)
		}(d)
	}
	wg.Wait()

	active, err := m.Active(ctx, "u1")
	require.NoError(t, err)
	history, err := m.History(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, history, len(devices)-1)
	for _, h := range history {
		assert.NotEqual(t, active.Device.DeviceID, h.Device.DeviceID)
	}
}

func TestPurgeHistory(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Login(ctx, "u1", Device{DeviceID: "phone"})
	require.NoError(t, err)
	_, err = m.Logout(ctx, "u1", "phone")
	require.NoError(t, err)

	clk.Advance(40 * 24 * time.Hour)
	_, err = m.Login(ctx, "u2", Device{DeviceID: "phone"})
	require.NoError(t, err)
	_, err = m.Logout(ctx, "u2", "phone")
	require.NoError(t, err)

	removed, err := m.PurgeHistory(ctx, clk.Now().Add(-30*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	h1, err := m.History(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, h1)
	h2, err := m.History(ctx, "u2", 0)
	require.NoError(t, err)
	assert.Len(t, h2, 1)
}
