package store

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// testTimeout bounds every store round trip in tests.
const testTimeout = time.Second

// newTestRedis starts an in-process Redis and returns a client bound to it.
// Both are closed on test cleanup.
func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}
