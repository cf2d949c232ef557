package docsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// names for delayed work, so tests and shutdown can address classes of
// scheduled tasks
type TimerId string

const (
	TimerIdAll                           = TimerId("all")
	TimerIdListenStreamIdle              = TimerId("listen_stream_idle")
	TimerIdListenStreamConnectionBackoff = TimerId("listen_stream_connection_backoff")
	TimerIdWriteStreamIdle               = TimerId("write_stream_idle")
	TimerIdWriteStreamConnectionBackoff  = TimerId("write_stream_connection_backoff")
	TimerIdOnlineStateTimeout            = TimerId("online_state_timeout")
	TimerIdRetryTransaction              = TimerId("retry_transaction")
)

// runs all engine work on one goroutine so internal state never needs
// cross-component locking. Tasks run in enqueue order.
type AsyncQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	retryBackoff *ExponentialBackoff

	mutex        sync.Mutex
	tasks        []func()
	delayedTasks []*DelayedTask
	notify       chan struct{}
	shutdown     bool
}

func NewAsyncQueue(ctx context.Context) *AsyncQueue {
	cancelCtx, cancel := context.WithCancel(ctx)
	queue := &AsyncQueue{
		ctx:          cancelCtx,
		cancel:       cancel,
		retryBackoff: NewExponentialBackoff(DefaultBackoffSettings()),
		notify:       make(chan struct{}, 1),
	}
	go queue.run()
	return queue
}

func (self *AsyncQueue) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}
		for {
			task := self.pop()
			if task == nil {
				break
			}
			task()
		}
	}
}

func (self *AsyncQueue) pop() func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.tasks) == 0 {
		return nil
	}
	task := self.tasks[0]
	self.tasks = self.tasks[1:]
	return task
}

func (self *AsyncQueue) Enqueue(task func()) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.shutdown {
		return ErrQueueShutdown
	}
	self.tasks = append(self.tasks, task)
	select {
	case self.notify <- struct{}{}:
	default:
	}
	return nil
}

func (self *AsyncQueue) EnqueueAndForget(task func()) {
	if err := self.Enqueue(task); err != nil {
		glog.V(1).Infof("[queue]drop task after shutdown\n")
	}
}

// runs the task and re-runs it with backoff while it keeps failing with
// a retryable error
func (self *AsyncQueue) EnqueueRetryable(task func() error) {
	self.EnqueueAndForget(func() {
		self.runRetryable(task)
	})
}

func (self *AsyncQueue) runRetryable(task func() error) {
	err := task()
	if err == nil {
		self.retryBackoff.Reset()
		return
	}
	if !IsRetryableError(err) {
		glog.Infof("[queue]task failed: %s\n", err)
		return
	}
	glog.V(1).Infof("[queue]retry task after error: %s\n", err)
	self.EnqueueAfter(TimerIdRetryTransaction, self.retryBackoff.NextDelay(), func() {
		self.runRetryable(task)
	})
}

func (self *AsyncQueue) EnqueueAfter(timerId TimerId, delay time.Duration, task func()) *DelayedTask {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.shutdown {
		return nil
	}
	delayedTask := &DelayedTask{
		queue:      self,
		TimerId:    timerId,
		targetTime: time.Now().Add(delay),
		task:       task,
	}
	delayedTask.timer = time.AfterFunc(delay, delayedTask.fire)
	self.delayedTasks = append(self.delayedTasks, delayedTask)
	return delayedTask
}

func (self *AsyncQueue) ContainsDelayedTask(timerId TimerId) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, delayedTask := range self.delayedTasks {
		if delayedTask.TimerId == timerId {
			return true
		}
	}
	return false
}

// test hook: run scheduled tasks immediately, in schedule order, up to
// and including the last task with the given id
func (self *AsyncQueue) ForceRunDelayedTasksUntil(timerId TimerId) {
	self.mutex.Lock()
	pending := append([]*DelayedTask{}, self.delayedTasks...)
	self.mutex.Unlock()

	sort.Slice(pending, func(i int, j int) bool {
		return pending[i].targetTime.Before(pending[j].targetTime)
	})
	last := -1
	if timerId != TimerIdAll {
		for i, delayedTask := range pending {
			if delayedTask.TimerId == timerId {
				last = i
			}
		}
		if last < 0 {
			return
		}
	}
	for i, delayedTask := range pending {
		if timerId != TimerIdAll && last < i {
			break
		}
		delayedTask.fire()
	}
}

// blocks until every task enqueued before the call has run
func (self *AsyncQueue) AwaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	err := self.Enqueue(func() {
		close(done)
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *AsyncQueue) IsShutdown() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.shutdown
}

// stops accepting work and cancels scheduled tasks. Tasks already
// running complete.
func (self *AsyncQueue) Shutdown() {
	self.mutex.Lock()
	if self.shutdown {
		self.mutex.Unlock()
		return
	}
	self.shutdown = true
	delayedTasks := self.delayedTasks
	self.delayedTasks = nil
	self.mutex.Unlock()

	for _, delayedTask := range delayedTasks {
		delayedTask.timer.Stop()
	}
	self.cancel()
}

func (self *AsyncQueue) removeDelayedTask(target *DelayedTask) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, delayedTask := range self.delayedTasks {
		if delayedTask == target {
			self.delayedTasks = append(self.delayedTasks[:i], self.delayedTasks[i+1:]...)
			return
		}
	}
}

type DelayedTask struct {
	queue      *AsyncQueue
	TimerId    TimerId
	targetTime time.Time
	task       func()
	timer      *time.Timer

	mutex sync.Mutex
	done  bool
}

func (self *DelayedTask) fire() {
	self.mutex.Lock()
	if self.done {
		self.mutex.Unlock()
		return
	}
	self.done = true
	self.mutex.Unlock()

	self.queue.removeDelayedTask(self)
	self.queue.EnqueueAndForget(self.task)
}

func (self *DelayedTask) Cancel() {
	self.mutex.Lock()
	if self.done {
		self.mutex.Unlock()
		return
	}
	self.done = true
	self.mutex.Unlock()

	self.timer.Stop()
	self.queue.removeDelayedTask(self)
}
