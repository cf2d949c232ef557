package docsync

import (
	"context"
	"time"

	"github.com/golang/glog"
)

const TimerIdHealthCheck = TimerId("health_check")

type streamState int

const (
	streamStateInitial streamState = iota
	streamStateStarting
	streamStateOpen
	streamStateHealthy
	streamStateError
	streamStateBackoff
)

type StreamSettings struct {
	// an open stream with no activity closes after this long so idle
	// clients do not hold server resources
	IdleTimeout time.Duration
	// how long a stream must stay open before it counts as healthy and
	// resets the reconnect backoff
	HealthyTimeout time.Duration
	Backoff        *BackoffSettings
}

func DefaultStreamSettings() *StreamSettings {
	return &StreamSettings{
		IdleTimeout:    60 * time.Second,
		HealthyTimeout: 10 * time.Second,
		Backoff:        DefaultBackoffSettings(),
	}
}

// connection lifecycle shared by the watch and write streams: token
// fetch, open, receive loop, idle timeout, and backoff restart.
//
// all state is owned by the async queue goroutine. Every public method
// must be called from a task running on that queue, and every transport
// event is re-enqueued before it touches state. closeCount fences events
// from connections that have since been torn down.
type baseStream struct {
	ctx       context.Context
	queue     *AsyncQueue
	datastore *Datastore
	path      string
	settings  *StreamSettings

	backoffTimerId TimerId
	idleTimerId    TimerId
	backoff        *ExponentialBackoff

	state        streamState
	closeCount   int
	conn         StreamConn
	sendCh       chan any
	idleTimer    *DelayedTask
	healthyTimer *DelayedTask

	onOpen    func()
	onClose   func(err error)
	onMessage func(frame []byte) error
}

func newBaseStream(
	ctx context.Context,
	queue *AsyncQueue,
	datastore *Datastore,
	path string,
	settings *StreamSettings,
	backoffTimerId TimerId,
	idleTimerId TimerId,
) *baseStream {
	return &baseStream{
		ctx:            ctx,
		queue:          queue,
		datastore:      datastore,
		path:           path,
		settings:       settings,
		backoffTimerId: backoffTimerId,
		idleTimerId:    idleTimerId,
		backoff:        NewExponentialBackoff(settings.Backoff),
	}
}

func (self *baseStream) IsStarted() bool {
	switch self.state {
	case streamStateStarting, streamStateBackoff, streamStateOpen, streamStateHealthy:
		return true
	default:
		return false
	}
}

func (self *baseStream) IsOpen() bool {
	return self.state == streamStateOpen || self.state == streamStateHealthy
}

func (self *baseStream) Start() {
	if self.state == streamStateError {
		self.performBackoff()
		return
	}
	if self.state != streamStateInitial {
		return
	}
	self.open()
}

func (self *baseStream) open() {
	self.state = streamStateStarting
	closeCount := self.closeCount

	go func() {
		// token fetch and dial happen off the queue, results re-enter it
		conn, err := self.datastore.openStream(self.ctx, self.path)
		self.queue.EnqueueAndForget(func() {
			if self.closeCount != closeCount {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				self.handleStreamClose(err)
				return
			}
			self.handleStreamOpen(conn, closeCount)
		})
	}()
}

func (self *baseStream) handleStreamOpen(conn StreamConn, closeCount int) {
	self.conn = conn
	self.state = streamStateOpen

	self.sendCh = make(chan any, 64)
	go self.sendLoop(conn, self.sendCh, closeCount)
	go self.receiveLoop(conn, closeCount)

	self.healthyTimer = self.queue.EnqueueAfter(TimerIdHealthCheck, self.settings.HealthyTimeout, func() {
		if self.closeCount == closeCount && self.state == streamStateOpen {
			self.state = streamStateHealthy
			self.backoff.Reset()
		}
	})

	self.onOpen()
}

func (self *baseStream) sendLoop(conn StreamConn, sendCh chan any, closeCount int) {
	for message := range sendCh {
		if err := conn.Send(self.ctx, message); err != nil {
			self.queue.EnqueueAndForget(func() {
				if self.closeCount == closeCount {
					self.handleStreamClose(err)
				}
			})
			// drain so close never blocks a sender
			for range sendCh {
			}
			return
		}
	}
}

func (self *baseStream) receiveLoop(conn StreamConn, closeCount int) {
	for {
		frame, err := conn.Receive(self.ctx)
		if err != nil {
			self.queue.EnqueueAndForget(func() {
				if self.closeCount == closeCount {
					self.handleStreamClose(err)
				}
			})
			return
		}
		self.queue.EnqueueAndForget(func() {
			if self.closeCount != closeCount {
				return
			}
			if err := self.onMessage(frame); err != nil {
				self.handleStreamClose(err)
			}
		})
	}
}

func (self *baseStream) send(message any) {
	if !self.IsOpen() || self.sendCh == nil {
		glog.V(1).Infof("[stream]drop send on closed %s\n", self.path)
		return
	}
	self.cancelIdleCheck()
	select {
	case self.sendCh <- message:
	default:
		self.handleStreamClose(NewStatusError(CodeResourceExhausted, "send queue full"))
	}
}

func (self *baseStream) Stop() {
	if self.IsStarted() {
		self.close(streamStateInitial, nil)
	}
}

// forget accumulated backoff, used when connectivity is known to have
// returned
func (self *baseStream) InhibitBackoff() {
	self.backoff.Reset()
	if self.state == streamStateError {
		self.state = streamStateInitial
	}
}

// schedules the stream to close if it stays unused. Any send cancels the
// check.
func (self *baseStream) MarkIdle() {
	if self.IsOpen() && self.idleTimer == nil {
		self.idleTimer = self.queue.EnqueueAfter(self.idleTimerId, self.settings.IdleTimeout, func() {
			if self.IsOpen() {
				glog.V(1).Infof("[stream]idle close %s\n", self.path)
				self.close(streamStateInitial, nil)
			}
		})
	}
}

func (self *baseStream) cancelIdleCheck() {
	if self.idleTimer != nil {
		self.idleTimer.Cancel()
		self.idleTimer = nil
	}
}

func (self *baseStream) performBackoff() {
	self.state = streamStateBackoff
	closeCount := self.closeCount
	delay := self.backoff.NextDelay()
	glog.V(1).Infof("[stream]backoff %s for %s\n", self.path, delay)
	self.queue.EnqueueAfter(self.backoffTimerId, delay, func() {
		if self.closeCount != closeCount || self.state != streamStateBackoff {
			return
		}
		self.state = streamStateInitial
		self.open()
	})
}

func (self *baseStream) handleStreamClose(err error) {
	switch StatusCode(err) {
	case CodeResourceExhausted:
		self.backoff.ResetToMax()
	case CodeUnauthenticated:
		self.datastore.credentials.InvalidateToken()
	}
	glog.V(1).Infof("[stream]close %s: %s\n", self.path, err)
	self.close(streamStateError, err)
}

func (self *baseStream) close(finalState streamState, err error) {
	self.cancelIdleCheck()
	if self.healthyTimer != nil {
		self.healthyTimer.Cancel()
		self.healthyTimer = nil
	}
	self.closeCount += 1

	if self.conn != nil {
		self.conn.Close()
		self.conn = nil
	}
	if self.sendCh != nil {
		close(self.sendCh)
		self.sendCh = nil
	}
	if finalState == streamStateInitial {
		self.backoff.Reset()
	}
	self.state = finalState
	self.onClose(err)
}
