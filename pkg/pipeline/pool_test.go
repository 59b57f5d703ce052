package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/metrics"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
)

func TestStagePoolProcessesFIFO(t *testing.T) {
	var mu sync.Mutex
	var got []int
	handler := func(ctx context.Context, task Task) {
		mu.Lock()
		got = append(got, task.ItemID)
		mu.Unlock()
	}

	// One worker keeps dispatch order observable.
	pool := NewStagePool(models.StageTranslation, 1, 8, handler, metrics.NewNop())
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Enqueue(Task{SessionID: "s", ItemID: i, Stage: models.StageTranslation}))
	}

	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestStagePoolSaturation(t *testing.T) {
	pool := NewStagePool(models.StageImageGen, 1, 1, func(context.Context, Task) {}, metrics.NewNop())

	require.NoError(t, pool.Enqueue(Task{SessionID: "s"}))
	assert.Equal(t, 1, pool.Depth())
	assert.Equal(t, 0, pool.Free())

	err := pool.Enqueue(Task{SessionID: "s"})
	assert.ErrorIs(t, err, ErrQueueSaturated)
}

func TestStagePoolStopWaitsForInflight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var done bool
	var mu sync.Mutex

	pool := NewStagePool(models.StageTranslation, 1, 4, func(ctx context.Context, task Task) {
		close(started)
		<-release
		mu.Lock()
		done = true
		mu.Unlock()
	}, metrics.NewNop())

	pool.Start(context.Background())
	require.NoError(t, pool.Enqueue(Task{SessionID: "s"}))
	<-started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, done, "Stop returns only after the in-flight handler finished")
}

func TestStagePoolStopIdempotent(t *testing.T) {
	pool := NewStagePool(models.StageTranslation, 2, 4, func(context.Context, Task) {}, metrics.NewNop())
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()
}
