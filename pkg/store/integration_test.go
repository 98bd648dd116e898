//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

func TestRealRedis_SetSubscribeTimeseries(t *testing.T) {
	redisURL := setupRedis(t)

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	client, err := NewClient(opts)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := client.Subscribe(ctx, "status:temps:*")
	require.NoError(t, err)
	defer sub.Close()

	key := StatusKey("temps:mkidarray:temp")
	for _, v := range []float64{0.25, 0.12, 0.1} {
		_, err := client.AddSample(ctx, key, v)
		require.NoError(t, err)
	}

	for _, want := range []string{"0.25", "0.12", "0.1"} {
		select {
		case n := <-sub.Events():
			assert.Equal(t, want, n.Value)
		case <-ctx.Done():
			t.Fatal("timeout waiting for notification")
		}
	}

	samples, err := client.Range(ctx, key, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, samples, 3)
}
