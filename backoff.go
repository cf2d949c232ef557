package docsync

import (
	"math/rand"
	"sync"
	"time"
)

type BackoffSettings struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// fraction of the base delay used for randomization
	Jitter float64
}

func DefaultBackoffSettings() *BackoffSettings {
	return &BackoffSettings{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Factor:       1.5,
		Jitter:       0.5,
	}
}

// exponential backoff with jitter. The first delay after a reset is
// zero so a healthy reconnect is immediate.
type ExponentialBackoff struct {
	settings *BackoffSettings

	mutex       sync.Mutex
	currentBase time.Duration
}

func NewExponentialBackoff(settings *BackoffSettings) *ExponentialBackoff {
	return &ExponentialBackoff{
		settings: settings,
	}
}

func (self *ExponentialBackoff) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.currentBase = 0
}

// used after errors that indicate the server wants the client to slow
// down immediately, like resource exhaustion
func (self *ExponentialBackoff) ResetToMax() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.currentBase = self.settings.MaxDelay
}

func (self *ExponentialBackoff) NextDelay() time.Duration {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	jitter := time.Duration((rand.Float64() - 0.5) * 2 * self.settings.Jitter * float64(self.currentBase))
	delay := self.currentBase + jitter
	if delay < 0 {
		delay = 0
	}

	self.currentBase = time.Duration(float64(self.currentBase) * self.settings.Factor)
	if self.currentBase < self.settings.InitialDelay {
		self.currentBase = self.settings.InitialDelay
	}
	if self.settings.MaxDelay < self.currentBase {
		self.currentBase = self.settings.MaxDelay
	}
	return delay
}
