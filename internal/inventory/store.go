package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"canteenservice/internal/platform/observability"
	"canteenservice/internal/platform/redisstore"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Store owns the per-item stock counters. Nothing else writes them.
type Store struct {
	db     *redisstore.Store
	logger observability.Logger
	tracer observability.Tracer
	now    func() time.Time
}

// NewStore creates an inventory store on top of the shared document store.
func NewStore(db *redisstore.Store, logger observability.Logger, tracer observability.Tracer) *Store {
	return &Store{
		db:     db,
		logger: logger,
		tracer: tracer,
		now:    time.Now,
	}
}

// ItemKey is the document key of a menu item. Callers that open their own
// transaction must WATCH it before calling Begin.
func (s *Store) ItemKey(id string) string {
	return s.db.Key("menu", "item", id)
}

// ItemKeys returns ItemKey for every id.
func (s *Store) ItemKeys(ids []string) []string {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.ItemKey(id))
	}
	return keys
}

func (s *Store) indexKey() string {
	return s.db.Key("menu", "items")
}

// Mutation stages counter changes on items read inside a caller's
// transaction. Nothing reaches the store until Flush queues the writes into
// the caller's MULTI.
type Mutation struct {
	store *Store
	items map[string]*MenuItem
	dirty map[string]bool
}

// Begin loads the given items through tx. Every id must already be watched.
func (s *Store) Begin(ctx context.Context, tx *redis.Tx, ids []string) (*Mutation, error) {
	m := &Mutation{
		store: s,
		items: make(map[string]*MenuItem, len(ids)),
		dirty: make(map[string]bool, len(ids)),
	}
	for _, id := range ids {
		if _, ok := m.items[id]; ok {
			continue
		}
		var item MenuItem
		if err := redisstore.GetJSON(ctx, tx, s.ItemKey(id), &item); err != nil {
			if errors.Is(err, redisstore.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
			}
			return nil, err
		}
		m.items[id] = &item
	}
	return m, nil
}

func (m *Mutation) item(id string) (*MenuItem, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s was not loaded into the mutation: %w", id, ErrItemNotFound)
	}
	return item, nil
}

// Reserve moves qty from sellable to reserved. It reports whether the item's
// counters moved; pass that back to Release or Commit when settling the hold.
func (m *Mutation) Reserve(id string, qty int) (bool, error) {
	item, err := m.item(id)
	if err != nil {
		return false, err
	}
	counted, err := item.reserve(qty)
	if err != nil {
		return false, err
	}
	if counted {
		m.dirty[id] = true
	}
	return counted, nil
}

// Release returns qty from reserved to sellable. Uncounted holds are no-ops.
func (m *Mutation) Release(id string, qty int, counted bool) error {
	item, err := m.item(id)
	if err != nil {
		return err
	}
	if err := item.release(qty, counted); err != nil {
		return err
	}
	if counted {
		m.dirty[id] = true
	}
	return nil
}

// Commit consumes qty, decrementing both available and reserved. Uncounted
// holds are no-ops.
func (m *Mutation) Commit(id string, qty int, counted bool) error {
	item, err := m.item(id)
	if err != nil {
		return err
	}
	if err := item.commit(qty, counted); err != nil {
		return err
	}
	if counted {
		m.dirty[id] = true
	}
	return nil
}

// Item returns the staged state of a loaded item.
func (m *Mutation) Item(id string) (MenuItem, bool) {
	item, ok := m.items[id]
	if !ok {
		return MenuItem{}, false
	}
	return *item, true
}

// Flush queues the changed items into pipe.
func (m *Mutation) Flush(ctx context.Context, pipe redis.Pipeliner) error {
	now := m.store.now().UTC()
	for id := range m.dirty {
		item := m.items[id]
		item.UpdatedAt = now
		data, err := redisstore.Encode(item)
		if err != nil {
			return err
		}
		pipe.Set(ctx, m.store.ItemKey(id), data, 0)
	}
	return nil
}

// Reserve atomically reserves qty of one item. Returns an
// *InsufficientStockError when sellable stock is too low.
func (s *Store) Reserve(ctx context.Context, itemID string, qty int) error {
	return s.apply(ctx, "inventory.reserve", itemID, qty, func(m *Mutation) error {
		_, err := m.Reserve(itemID, qty)
		return err
	})
}

// Release atomically returns qty of one item to the sellable pool. The hold
// is taken to be counted unless the item currently has unlimited stock.
func (s *Store) Release(ctx context.Context, itemID string, qty int) error {
	return s.apply(ctx, "inventory.release", itemID, qty, func(m *Mutation) error {
		return m.Release(itemID, qty, m.counted(itemID))
	})
}

// Commit atomically consumes qty of one item.
func (s *Store) Commit(ctx context.Context, itemID string, qty int) error {
	return s.apply(ctx, "inventory.commit", itemID, qty, func(m *Mutation) error {
		return m.Commit(itemID, qty, m.counted(itemID))
	})
}

func (m *Mutation) counted(id string) bool {
	item, ok := m.items[id]
	return ok && !item.HasUnlimitedStock
}

func (s *Store) apply(ctx context.Context, op, itemID string, qty int, stage func(*Mutation) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(
		attribute.String("item.id", itemID),
		attribute.Int("item.quantity", qty),
	)

	key := s.ItemKey(itemID)
	err := s.db.Transact(ctx, func(tx *redis.Tx) error {
		m, err := s.Begin(ctx, tx, []string{itemID})
		if err != nil {
			return err
		}
		if err := stage(m); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return m.Flush(ctx, pipe)
		})
		return err
	}, key)

	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			span.SetAttributes(attribute.Bool("inventory.insufficient", true))
			s.logger.Info("Insufficient stock", zap.String("item_id", itemID), zap.Int("quantity", qty))
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("❌ Stock mutation failed",
			zap.String("op", op),
			zap.String("item_id", itemID),
			zap.Int("quantity", qty),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Upsert creates an item or updates its metadata and stock. The reserved
// counter is preserved and stock may not drop below it.
func (s *Store) Upsert(ctx context.Context, item MenuItem) (MenuItem, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.upsert")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", item.ID))

	if item.ID == "" {
		return MenuItem{}, fmt.Errorf("%w: item id is required", ErrInvalidQuantity)
	}
	if item.AvailableQuantity < 0 || item.Price < 0 {
		return MenuItem{}, fmt.Errorf("%w: negative stock or price for %s", ErrInvalidQuantity, item.ID)
	}

	key := s.ItemKey(item.ID)
	var saved MenuItem
	err := s.db.Transact(ctx, func(tx *redis.Tx) error {
		next := item
		next.ReservedQuantity = 0

		var current MenuItem
		err := redisstore.GetJSON(ctx, tx, key, &current)
		switch {
		case err == nil:
			next.ReservedQuantity = current.ReservedQuantity
		case errors.Is(err, redisstore.ErrNotFound):
		default:
			return err
		}

		// Holds taken while the item was limited stay counted after a switch to
		// unlimited, so the bound holds either way.
		if next.AvailableQuantity < next.ReservedQuantity {
			return fmt.Errorf("%w: stock %d for %s is below reserved %d",
				ErrInvalidQuantity, next.AvailableQuantity, item.ID, next.ReservedQuantity)
		}
		next.UpdatedAt = s.now().UTC()

		data, err := redisstore.Encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.indexKey(), item.ID)
			return nil
		})
		if err == nil {
			saved = next
		}
		return err
	}, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return MenuItem{}, err
	}

	s.logger.Info("Menu item saved",
		zap.String("item_id", saved.ID),
		zap.Int("available", saved.AvailableQuantity),
		zap.Int("reserved", saved.ReservedQuantity),
	)
	return saved, nil
}

// Restock adds delta (which may be negative) to available stock.
func (s *Store) Restock(ctx context.Context, itemID string, delta int) (MenuItem, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.restock")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID), attribute.Int("item.delta", delta))

	key := s.ItemKey(itemID)
	var saved MenuItem
	err := s.db.Transact(ctx, func(tx *redis.Tx) error {
		var item MenuItem
		if err := redisstore.GetJSON(ctx, tx, key, &item); err != nil {
			if errors.Is(err, redisstore.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
			}
			return err
		}
		item.AvailableQuantity += delta
		if item.AvailableQuantity < 0 || item.AvailableQuantity < item.ReservedQuantity {
			return &CounterUnderflowError{ItemID: itemID, Counter: "available", Have: item.AvailableQuantity - delta, Take: -delta}
		}
		item.UpdatedAt = s.now().UTC()

		data, err := redisstore.Encode(item)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			saved = item
		}
		return err
	}, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return MenuItem{}, err
	}
	return saved, nil
}

// Get returns a single item.
func (s *Store) Get(ctx context.Context, itemID string) (MenuItem, error) {
	var item MenuItem
	if err := redisstore.GetJSON(ctx, s.db.Client(), s.ItemKey(itemID), &item); err != nil {
		if errors.Is(err, redisstore.ErrNotFound) {
			return MenuItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		return MenuItem{}, err
	}
	return item, nil
}

// GetMany returns the requested items keyed by id. Missing ids fail with ErrItemNotFound.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]MenuItem, error) {
	items := make(map[string]MenuItem, len(ids))
	for _, id := range ids {
		if _, ok := items[id]; ok {
			continue
		}
		item, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		items[id] = item
	}
	return items, nil
}

// List returns every menu item ordered by id.
func (s *Store) List(ctx context.Context) ([]MenuItem, error) {
	ids, err := s.db.Client().SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: listing menu: %v", redisstore.ErrUnavailable, err)
	}
	sort.Strings(ids)

	items := make([]MenuItem, 0, len(ids))
	for _, id := range ids {
		item, err := s.Get(ctx, id)
		if errors.Is(err, ErrItemNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
