package docsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestAsyncQueueRunsInOrder(t *testing.T) {
	queue := NewAsyncQueue(context.Background())
	defer queue.Shutdown()

	mutex := sync.Mutex{}
	order := []int{}
	for i := range 100 {
		i := i
		err := queue.Enqueue(func() {
			mutex.Lock()
			defer mutex.Unlock()
			order = append(order, i)
		})
		assert.Equal(t, err, nil)
	}
	err := queue.AwaitIdle(context.Background())
	assert.Equal(t, err, nil)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, len(order), 100)
	for i, v := range order {
		assert.Equal(t, v, i)
	}
}

func TestAsyncQueueShutdownRejectsWork(t *testing.T) {
	queue := NewAsyncQueue(context.Background())
	queue.Shutdown()

	assert.Equal(t, queue.IsShutdown(), true)
	err := queue.Enqueue(func() {})
	assert.Equal(t, err, ErrQueueShutdown)
	assert.Equal(t, queue.EnqueueAfter(TimerIdAll, time.Second, func() {}), nil)

	// shutdown is idempotent
	queue.Shutdown()
}

func TestAsyncQueueDelayedTasks(t *testing.T) {
	queue := NewAsyncQueue(context.Background())
	defer queue.Shutdown()

	fired := make(chan TimerId, 2)
	queue.EnqueueAfter(TimerIdListenStreamIdle, time.Hour, func() {
		fired <- TimerIdListenStreamIdle
	})
	queue.EnqueueAfter(TimerIdWriteStreamIdle, 2*time.Hour, func() {
		fired <- TimerIdWriteStreamIdle
	})
	assert.Equal(t, queue.ContainsDelayedTask(TimerIdListenStreamIdle), true)
	assert.Equal(t, queue.ContainsDelayedTask(TimerIdOnlineStateTimeout), false)

	// forcing up to the first id does not run tasks scheduled after it
	queue.ForceRunDelayedTasksUntil(TimerIdListenStreamIdle)
	queue.AwaitIdle(context.Background())
	assert.Equal(t, <-fired, TimerIdListenStreamIdle)
	assert.Equal(t, queue.ContainsDelayedTask(TimerIdListenStreamIdle), false)
	assert.Equal(t, queue.ContainsDelayedTask(TimerIdWriteStreamIdle), true)

	queue.ForceRunDelayedTasksUntil(TimerIdAll)
	queue.AwaitIdle(context.Background())
	assert.Equal(t, <-fired, TimerIdWriteStreamIdle)
}

func TestAsyncQueueDelayedTaskCancel(t *testing.T) {
	queue := NewAsyncQueue(context.Background())
	defer queue.Shutdown()

	task := queue.EnqueueAfter(TimerIdOnlineStateTimeout, time.Hour, func() {
		t.Fatal("cancelled task ran")
	})
	task.Cancel()
	assert.Equal(t, queue.ContainsDelayedTask(TimerIdOnlineStateTimeout), false)

	// firing after cancel is a no-op
	queue.ForceRunDelayedTasksUntil(TimerIdAll)
	queue.AwaitIdle(context.Background())
}

func TestAsyncQueueRetryable(t *testing.T) {
	queue := NewAsyncQueue(context.Background())
	defer queue.Shutdown()

	mutex := sync.Mutex{}
	attempts := 0
	done := make(chan struct{})
	queue.EnqueueRetryable(func() error {
		mutex.Lock()
		defer mutex.Unlock()
		attempts += 1
		if attempts < 3 {
			return NewRetryableError(errors.New("try again"))
		}
		close(done)
		return nil
	})

	// the first retry is scheduled with zero backoff, later ones wait
	for {
		select {
		case <-done:
			mutex.Lock()
			defer mutex.Unlock()
			assert.Equal(t, attempts, 3)
			return
		case <-time.After(10 * time.Millisecond):
			queue.ForceRunDelayedTasksUntil(TimerIdRetryTransaction)
		}
	}
}

func TestAsyncQueueRetryableStopsOnPermanentError(t *testing.T) {
	queue := NewAsyncQueue(context.Background())
	defer queue.Shutdown()

	mutex := sync.Mutex{}
	attempts := 0
	queue.EnqueueRetryable(func() error {
		mutex.Lock()
		defer mutex.Unlock()
		attempts += 1
		return errors.New("permanent")
	})
	queue.AwaitIdle(context.Background())

	assert.Equal(t, queue.ContainsDelayedTask(TimerIdRetryTransaction), false)
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, attempts, 1)
}
