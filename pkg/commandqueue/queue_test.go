package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, cfg Config) *CommandQueue {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	cq := New(cfg)
	t.Cleanup(func() { _ = cq.Close() })
	return cq
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := newQueue(t, Config{})

	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
		return "result", nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := newQueue(t, Config{})
	expectedErr := errors.New("task failed")

	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
		return nil, expectedErr
	}, nil)

	assert.ErrorIs(t, err, expectedErr)
	assert.Nil(t, result)
}

func TestCommandQueue_TaskPanic(t *testing.T) {
	cq := newQueue(t, Config{})

	_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
		panic("boom")
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCommandQueue_LaneIsSerialInSubmissionOrder(t *testing.T) {
	cq := newQueue(t, Config{})
	lane := ThreadLane("t1")

	var (
		mu      sync.Mutex
		order   []int
		running int32
		overlap bool
	)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
				if atomic.AddInt32(&running, 1) > 1 {
					overlap = true
				}
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&running, -1)
				return nil, nil
			}, nil)
		}()
		// Stagger so submission order is deterministic.
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Len(t, order, 5)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := newQueue(t, Config{})

	start := time.Now()
	var wg sync.WaitGroup
	for _, lane := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(lane string) {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
				time.Sleep(100 * time.Millisecond)
				return nil, nil
			}, nil)
		}(lane)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestCommandQueue_MaxWorkers(t *testing.T) {
	cq := newQueue(t, Config{MaxWorkers: 2})

	var running, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := cq.Enqueue(context.Background(), ThreadLane(string(rune('a'+i))), func(ctx context.Context) (any, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, int32(0), atomic.LoadInt32(&running))
}

func TestCommandQueue_RequestIDDedup(t *testing.T) {
	t.Run("should join an in-flight duplicate and run once", func(t *testing.T) {
		cq := newQueue(t, Config{})
		var calls int32
		release := make(chan struct{})
		task := func(ctx context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return "done", nil
		}

		results := make(chan any, 2)
		for i := 0; i < 2; i++ {
			go func() {
				v, _ := cq.Enqueue(context.Background(), "lane", task, &TaskOptions{RequestID: "run-1"})
				results <- v
			}()
		}
		time.Sleep(30 * time.Millisecond)
		close(release)

		assert.Equal(t, "done", <-results)
		assert.Equal(t, "done", <-results)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("should serve a completed duplicate from cache", func(t *testing.T) {
		cq := newQueue(t, Config{DedupTTL: time.Minute})
		var calls int32
		task := func(ctx context.Context) (any, error) {
			return atomic.AddInt32(&calls, 1), nil
		}

		v1, err := cq.Enqueue(context.Background(), "lane", task, &TaskOptions{RequestID: "run-2"})
		require.NoError(t, err)
		v2, err := cq.Enqueue(context.Background(), "lane", task, &TaskOptions{RequestID: "run-2"})
		require.NoError(t, err)

		assert.Equal(t, v1, v2)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("should run again after a failed attempt", func(t *testing.T) {
		cq := newQueue(t, Config{})
		var calls int32
		task := func(ctx context.Context) (any, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		}

		_, err := cq.Enqueue(context.Background(), "lane", task, &TaskOptions{RequestID: "run-3"})
		require.Error(t, err)
		v, err := cq.Enqueue(context.Background(), "lane", task, &TaskOptions{RequestID: "run-3"})
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	})
}

func TestCommandQueue_ClearLane(t *testing.T) {
	cq := newQueue(t, Config{})
	release := make(chan struct{})
	defer close(release)

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
				<-release
				return nil, nil
			}, nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return cq.QueueSize("test") == 4 }, time.Second, 5*time.Millisecond)

	cleared := cq.ClearLane("test")
	assert.Equal(t, 4, cleared)
	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, <-errs, ErrLaneCleared)
	}
}

func TestCommandQueue_ResetLane(t *testing.T) {
	cq := newQueue(t, Config{})
	release := make(chan struct{})

	go func() {
		_, _ = cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, nil)
	}()
	errs := make(chan error, 1)
	require.Eventually(t, func() bool { return cq.RunningCount("test") == 1 }, time.Second, 5*time.Millisecond)
	go func() {
		_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) { return nil, nil }, nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return cq.QueueSize("test") == 1 }, time.Second, 5*time.Millisecond)

	cq.ResetLane("test")
	close(release)
	assert.ErrorIs(t, <-errs, ErrLaneReset)
}

func TestCommandQueue_SetConcurrency(t *testing.T) {
	cq := newQueue(t, Config{})
	cq.SetConcurrency("test", 3)

	stats := cq.Stats()
	assert.Equal(t, 3, stats["test"].Concurrency)
}

func TestCommandQueue_WaitForActive(t *testing.T) {
	cq := newQueue(t, Config{})

	go func() {
		_, _ = cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		}, nil)
	}()
	time.Sleep(10 * time.Millisecond)

	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_Submit(t *testing.T) {
	cq := newQueue(t, Config{})
	done := make(chan any, 1)

	cq.Submit(context.Background(), "test", func(ctx context.Context) (any, error) {
		return 42, nil
	}, nil, func(v any, err error) {
		assert.NoError(t, err)
		done <- v
	})

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("submit callback not invoked")
	}
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New(Config{Logger: zerolog.Nop()})
	started := make(chan struct{})
	errs := make(chan error, 1)

	go func() {
		_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		errs <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errs, context.Canceled)

	_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) { return nil, nil }, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCommandQueue_Events(t *testing.T) {
	cq := newQueue(t, Config{})

	var mu sync.Mutex
	var events []Event
	record := func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	cq.On(EventEnqueued, record)
	cq.On(EventCompleted, record)

	_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (any, error) {
		return "result", nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventEnqueued, events[0].Type)
	assert.Contains(t, events[0].Data, "queue_size")
	assert.Equal(t, EventCompleted, events[1].Type)
	assert.Equal(t, true, events[1].Data["success"])

	cq.Off(EventEnqueued)
}
