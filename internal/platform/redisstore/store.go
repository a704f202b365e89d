// Package redisstore wraps the Redis client that serves as the system of record.
//
// Every multi-document state change in the service goes through Transact: the
// callback reads the documents it needs through the watched *redis.Tx, decides,
// and queues its writes with TxPipelined. If any watched key changed before
// EXEC, the whole callback is re-run against fresh state.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

var (
	// ErrConflict means optimistic retries were exhausted under contention.
	ErrConflict = errors.New("store transaction conflict")
	// ErrUnavailable wraps connection-level store failures.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned by GetJSON for a missing key.
	ErrNotFound = errors.New("document not found")
)

// Store is a namespaced Redis client with an optimistic transaction helper.
type Store struct {
	client       *redis.Client
	namespace    string
	maxTxRetries int
}

// Options configures a Store.
type Options struct {
	RedisURL     string
	Namespace    string
	MaxTxRetries int
}

// Open parses the URL, connects and pings the server.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(redisOpt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}

	return New(client, opts.Namespace, opts.MaxTxRetries), nil
}

// New wraps an existing client.
func New(client *redis.Client, namespace string, maxTxRetries int) *Store {
	if maxTxRetries <= 0 {
		maxTxRetries = 50
	}
	return &Store{
		client:       client,
		namespace:    strings.TrimSuffix(namespace, ":"),
		maxTxRetries: maxTxRetries,
	}
}

// Client exposes the underlying client for reads that need no transaction.
func (s *Store) Client() *redis.Client { return s.client }

// Key joins parts under the store namespace.
func (s *Store) Key(parts ...string) string {
	if s.namespace == "" {
		return strings.Join(parts, ":")
	}
	return s.namespace + ":" + strings.Join(parts, ":")
}

// Transact runs fn under WATCH on keys, retrying when a watched key changes.
// fn must be safe to run more than once.
func (s *Store) Transact(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < s.maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return classify(err)
	}
	return fmt.Errorf("%w after %d attempts on %v", ErrConflict, s.maxTxRetries, keys)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// GetJSON loads and decodes a JSON document. Works with both *redis.Client and *redis.Tx.
func GetJSON(ctx context.Context, c redis.Cmdable, key string, v interface{}) error {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return classify(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// Encode marshals a document for a pipelined SET.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return data, nil
}

// Millis converts a time to a sorted-set score.
func Millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// RangeDue returns up to limit members of a sorted set scored at or below until.
func RangeDue(ctx context.Context, c redis.Cmdable, key string, until time.Time, limit int) ([]string, error) {
	ids, err := c.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", until.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
}

func classify(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
