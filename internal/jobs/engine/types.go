// Package engine executes automation jobs on a bounded worker pool with
// retries, overlap gating and per-key circuit breaking.
package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the job engine. Zero values take the defaults applied in New.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Job.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs queued longer than this. 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// CircuitTripFailures < 0 disables circuit breaking.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = 5
	}
	if c.CircuitBaseDelay <= 0 {
		c.CircuitBaseDelay = 5 * time.Second
	}
	if c.CircuitMaxDelay <= 0 {
		c.CircuitMaxDelay = 2 * time.Minute
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	return c
}

type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

// Options tune one job. RetryMax 0 takes the engine default and < 0 disables
// retries.
type Options struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
}

func (o Options) withDefaults(cfg Config) Options {
	switch {
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	case o.RetryMax < 0:
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Job is a unit of work. Key gates overlap and Circuit groups failures; both
// default to Name.
type Job struct {
	ID      string
	Name    string
	Key     string
	Circuit string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     Options
}

// keyGate tracks overlap keys that have a job queued or running.
type keyGate struct {
	mu   sync.Mutex
	busy map[string]bool
}

func (g *keyGate) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[key] {
		return false
	}
	if g.busy == nil {
		g.busy = map[string]bool{}
	}
	g.busy[key] = true
	return true
}

func (g *keyGate) release(key string) {
	g.mu.Lock()
	delete(g.busy, key)
	g.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queueDelay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is the payload of job.* bus events.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queueDelay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queueLen"`
	QueueCap int  `json:"queueCap"`
	InFlight int  `json:"inFlight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"droppedQueueFull"`
	DroppedStale     uint64 `json:"droppedStale"`

	DefaultTimeout time.Duration `json:"defaultTimeout"`
	MaxQueueDelay  time.Duration `json:"maxQueueDelay"`
	RetryMax       int           `json:"retryMax"`

	CircuitTotal int      `json:"circuitTotal"`
	CircuitOpen  []string `json:"circuitOpen,omitempty"`

	History []HistoryItem `json:"history,omitempty"`
}
