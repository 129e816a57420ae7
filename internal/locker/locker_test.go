package locker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), StrategyKey(1))
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocal_MutualExclusion(t *testing.T) {
	exerciseMutualExclusion(t, NewLocal())
}

func TestLocal_IndependentKeys(t *testing.T) {
	l := NewLocal()
	unlock1, err := l.Lock(context.Background(), StrategyKey(1))
	require.NoError(t, err)
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock2, err := l.Lock(ctx, StrategyKey(2))
	require.NoError(t, err)
	unlock2()
}

func TestLocal_ContextCancel(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), StrategyKey(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, StrategyKey(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op

	unlock, err = l.Lock(context.Background(), StrategyKey(1))
	require.NoError(t, err)
	unlock()
	assert.Empty(t, l.slots)
}

func TestRedis_MutualExclusion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer container.Terminate(ctx)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	defer client.Close()

	t.Run("mutual exclusion", func(t *testing.T) {
		l := NewRedis(client, 5*time.Second, 5*time.Millisecond)
		exerciseMutualExclusion(t, l)

		unlock, err := l.Lock(ctx, StrategyKey(3))
		require.NoError(t, err)
		unlock()
		unlock()
		exists, err := client.Exists(ctx, StrategyKey(3)).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), exists)
	})

	t.Run("lease is renewed while held", func(t *testing.T) {
		l := NewRedis(client, 300*time.Millisecond, 10*time.Millisecond)
		unlock, err := l.Lock(ctx, StrategyKey(4))
		require.NoError(t, err)

		time.Sleep(time.Second)

		waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		_, err = l.Lock(waitCtx, StrategyKey(4))
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		ttl, err := client.PTTL(ctx, StrategyKey(4)).Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))

		unlock()
		again, err := l.Lock(ctx, StrategyKey(4))
		require.NoError(t, err)
		again()
	})

	t.Run("a dead holder's lease expires", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, StrategyKey(5), "crashed", 200*time.Millisecond).Err())
		l := NewRedis(client, time.Second, 10*time.Millisecond)
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		unlock, err := l.Lock(waitCtx, StrategyKey(5))
		require.NoError(t, err)
		unlock()
	})
}
