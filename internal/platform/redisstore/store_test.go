package redisstore_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"canteenservice/internal/platform/redisstore"
	"canteenservice/internal/platform/redisstore/redistest"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_Namespaced(t *testing.T) {
	store, _ := redistest.NewStore(t)
	assert.Equal(t, "test:menu:item:42", store.Key("menu", "item", "42"))
}

func TestTransact_ConcurrentReadModifyWriteIsSerialised(t *testing.T) {
	store, _ := redistest.NewStore(t)
	ctx := context.Background()
	key := store.Key("counter")

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Transact(ctx, func(tx *redis.Tx) error {
				n, err := tx.Get(ctx, key).Int()
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, strconv.Itoa(n+1), 0)
					return nil
				})
				return err
			}, key)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := store.Client().Get(ctx, key).Int()
	require.NoError(t, err)
	assert.Equal(t, workers, n)
}

func TestTransact_CallbackErrorIsReturnedUnchanged(t *testing.T) {
	store, _ := redistest.NewStore(t)
	sentinel := errors.New("business rule")

	err := store.Transact(context.Background(), func(tx *redis.Tx) error {
		return sentinel
	}, store.Key("x"))

	assert.ErrorIs(t, err, sentinel)
	assert.False(t, redisstore.IsRetryable(err))
}

func TestGetJSON_NotFound(t *testing.T) {
	store, _ := redistest.NewStore(t)
	var v map[string]string
	err := redisstore.GetJSON(context.Background(), store.Client(), store.Key("missing"), &v)
	assert.ErrorIs(t, err, redisstore.ErrNotFound)
}

func TestStoreUnavailableIsRetryable(t *testing.T) {
	store, mr := redistest.NewStore(t)
	mr.Close()

	var v map[string]string
	err := redisstore.GetJSON(context.Background(), store.Client(), store.Key("any"), &v)
	require.Error(t, err)
	assert.True(t, redisstore.IsRetryable(err))
}

func TestRangeDue(t *testing.T) {
	store, _ := redistest.NewStore(t)
	ctx := context.Background()
	key := store.Key("due")
	now := time.Now()

	require.NoError(t, store.Client().ZAdd(ctx, key,
		&redis.Z{Score: redisstore.Millis(now.Add(-time.Minute)), Member: "old"},
		&redis.Z{Score: redisstore.Millis(now.Add(time.Minute)), Member: "new"},
	).Err())

	ids, err := redisstore.RangeDue(ctx, store.Client(), key, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
}
