// Package session enforces one active device per user and keeps a history of
// ended sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"canteenservice/internal/config"
	"canteenservice/internal/events"
	"canteenservice/internal/platform/observability"
	"canteenservice/internal/platform/redisstore"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	ReasonOtherDevice = "Logged in on another device"
	ReasonLoggedOut   = "Logged out"
)

var ErrNoSession = errors.New("no active session")

type Device struct {
	DeviceID   string `json:"deviceId"`
	Platform   string `json:"platform,omitempty"`
	Model      string `json:"model,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	IP         string `json:"ip,omitempty"`
}

type Session struct {
	UserID     string    `json:"userId"`
	Device     Device    `json:"device"`
	LoginAt    time.Time `json:"loginAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// HistoryEntry is an ended session.
type HistoryEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Device     Device    `json:"device"`
	LoginAt    time.Time `json:"loginAt"`
	LogoutAt   time.Time `json:"logoutAt"`
	Reason     string    `json:"reason"`
	Suspicious bool      `json:"suspicious"`
}

type LoginResult struct {
	Session   Session       `json:"session"`
	Displaced *HistoryEntry `json:"displaced,omitempty"`
}

type Manager struct {
	db        *redisstore.Store
	publisher events.Publisher
	logger    observability.Logger
	tracer    observability.Tracer
	now       func() time.Time
}

func NewManager(db *redisstore.Store, publisher events.Publisher, logger observability.Logger, tracer observability.Tracer) *Manager {
	return &Manager{db: db, publisher: publisher, logger: logger, tracer: tracer, now: time.Now}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) sessionKey(uid string) string { return m.db.Key("session", uid) }
func (m *Manager) historyKey(uid string) string { return m.db.Key("session", uid, "history") }
func (m *Manager) withHistoryKey() string { return m.db.Key("sessions", "with-history") }

// Login makes device the user's only active session. A different device that
// was active is ended with ReasonOtherDevice and a session.terminated event is
// emitted for it.
func (m *Manager) Login(ctx context.Context, userID string, device Device) (LoginResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.login")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("device.id", device.DeviceID))

	if userID == "" || device.DeviceID == "" {
		return LoginResult{}, fmt.Errorf("user and device are required")
	}

	key := m.sessionKey(userID)
	var result LoginResult
	err := m.db.Transact(ctx, func(tx *redis.Tx) error {
		result = LoginResult{}
		now := m.now().UTC()

		var current Session
		err := redisstore.GetJSON(ctx, tx, key, &current)
		hasCurrent := err == nil
		if err != nil && !errors.Is(err, redisstore.ErrNotFound) {
			return err
		}

		next := Session{UserID: userID, Device: device, LoginAt: now, LastSeenAt: now}
		if hasCurrent && current.Device.DeviceID == device.DeviceID {
			next.LoginAt = current.LoginAt
		}

		var displaced *HistoryEntry
		if hasCurrent && current.Device.DeviceID != device.DeviceID {
			displaced = &HistoryEntry{
				ID:         uuid.NewString(),
				UserID:     userID,
				Device:     current.Device,
				LoginAt:    current.LoginAt,
				LogoutAt:   now,
				Reason:     ReasonOtherDevice,
				Suspicious: now.Sub(current.LoginAt) < config.SuspiciousDeviceSwitch,
			}
		}

		sessionData, err := redisstore.Encode(next)
		if err != nil {
			return err
		}
		var entryData []byte
		if displaced != nil {
			if entryData, err = redisstore.Encode(displaced); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, sessionData, 0)
			if displaced != nil {
				pipe.ZAdd(ctx, m.historyKey(userID), &redis.Z{Score: redisstore.Millis(now), Member: entryData})
				pipe.SAdd(ctx, m.withHistoryKey(), userID)
			}
			return nil
		})
		if err == nil {
			result = LoginResult{Session: next, Displaced: displaced}
		}
		return err
	}, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("❌ Login failed", zap.String("user_id", userID), zap.Error(err))
		return LoginResult{}, err
	}

	if d := result.Displaced; d != nil {
		m.logger.Info("Session displaced by another device",
			zap.String("user_id", userID),
			zap.String("old_device", d.Device.DeviceID),
			zap.String("new_device", device.DeviceID),
			zap.Bool("suspicious", d.Suspicious),
		)
		events.Emit(ctx, m.publisher, m.logger, events.SessionTerminated, userID, events.SessionTerminatedData{
			UserID:     userID,
			DeviceID:   d.Device.DeviceID,
			Reason:     d.Reason,
			Suspicious: d.Suspicious,
		})
	}
	return result, nil
}

// Logout ends the session if deviceID is the active device.
func (m *Manager) Logout(ctx context.Context, userID, deviceID string) (bool, error) {
	entry, err := m.end(ctx, "session.logout", userID, ReasonLoggedOut, func(s Session) bool {
		return s.Device.DeviceID == deviceID
	})
	return entry != nil, err
}

// ForceLogout ends whatever session the user has and notifies the device.
func (m *Manager) ForceLogout(ctx context.Context, userID, reason string) (bool, error) {
	if reason == "" {
		reason = "Logged out by administrator"
	}
	entry, err := m.end(ctx, "session.force_logout", userID, reason, func(Session) bool { return true })
	if err != nil || entry == nil {
		return false, err
	}
	events.Emit(ctx, m.publisher, m.logger, events.SessionTerminated, userID, events.SessionTerminatedData{
		UserID:   userID,
		DeviceID: entry.Device.DeviceID,
		Reason:   reason,
	})
	return true, nil
}

func (m *Manager) end(ctx context.Context, op, userID, reason string, match func(Session) bool) (*HistoryEntry, error) {
	ctx, span := m.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	key := m.sessionKey(userID)
	var ended *HistoryEntry
	err := m.db.Transact(ctx, func(tx *redis.Tx) error {
		ended = nil
		var current Session
		if err := redisstore.GetJSON(ctx, tx, key, &current); err != nil {
			if errors.Is(err, redisstore.ErrNotFound) {
				return nil
			}
			return err
		}
		if !match(current) {
			return nil
		}

		now := m.now().UTC()
		entry := &HistoryEntry{
			ID:       uuid.NewString(),
			UserID:   userID,
			Device:   current.Device,
			LoginAt:  current.LoginAt,
			LogoutAt: now,
			Reason:   reason,
		}
		data, err := redisstore.Encode(entry)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZAdd(ctx, m.historyKey(userID), &redis.Z{Score: redisstore.Millis(now), Member: data})
			pipe.SAdd(ctx, m.withHistoryKey(), userID)
			return nil
		})
		if err == nil {
			ended = entry
		}
		return err
	}, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if ended != nil {
		m.logger.Info("Session ended", zap.String("user_id", userID), zap.String("device_id", ended.Device.DeviceID), zap.String("reason", reason))
	}
	return ended, nil
}

// Active returns the user's active session.
func (m *Manager) Active(ctx context.Context, userID string) (Session, error) {
	var s Session
	if err := redisstore.GetJSON(ctx, m.db.Client(), m.sessionKey(userID), &s); err != nil {
		if errors.Is(err, redisstore.ErrNotFound) {
			return Session{}, ErrNoSession
		}
		return Session{}, err
	}
	return s, nil
}

// History returns the newest ended sessions first.
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := m.db.Client().ZRevRange(ctx, m.historyKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", redisstore.ErrUnavailable, err)
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			m.logger.Warn("Skipping unreadable session history entry", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// PurgeHistory drops history entries that ended before olderThan, visiting at
// most batch users per SCAN page. It returns the number of entries removed.
func (m *Manager) PurgeHistory(ctx context.Context, olderThan time.Time, batch int) (int, error) {
	ctx, span := m.tracer.Start(ctx, "session.purge_history")
	defer span.End()

	client := m.db.Client()
	cutoff := strconv.FormatInt(olderThan.UnixMilli(), 10)
	removed := 0
	var cursor uint64
	for {
		users, next, err := client.SScan(ctx, m.withHistoryKey(), cursor, "", int64(batch)).Result()
		if err != nil {
			span.RecordError(err)
			return removed, fmt.Errorf("%w: %v", redisstore.ErrUnavailable, err)
		}
		for _, uid := range users {
			n, err := client.ZRemRangeByScore(ctx, m.historyKey(uid), "-inf", cutoff).Result()
			if err != nil {
				span.RecordError(err)
				return removed, fmt.Errorf("%w: %v", redisstore.ErrUnavailable, err)
			}
			removed += int(n)
			if left, err := client.ZCard(ctx, m.historyKey(uid)).Result(); err == nil && left == 0 {
				client.SRem(ctx, m.withHistoryKey(), uid)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	span.SetAttributes(attribute.Int("session.history_purged", removed))
	return removed, nil
}
