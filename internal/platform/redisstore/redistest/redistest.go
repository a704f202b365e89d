// Package redistest starts miniredis-backed stores for package tests.
package redistest

import (
	"testing"

	"canteenservice/internal/platform/redisstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// NewStore starts a miniredis server and returns a Store bound to it. Both are
// closed when the test ends.
func NewStore(t testing.TB) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	return redisstore.New(client, "test", 200), mr
}
