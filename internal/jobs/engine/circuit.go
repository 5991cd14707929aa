package engine

import (
	"sort"
	"sync"
	"time"
)

// circuit counts consecutive failures of one key. Once fails reaches the trip
// threshold the key stays open for a cooldown that doubles per extra failure.
type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuits struct {
	mu sync.Mutex
	m  map[string]*circuit
}

func (cs *circuits) lockedGet(key string) *circuit {
	if cs.m == nil {
		cs.m = map[string]*circuit{}
	}
	c := cs.m[key]
	if c == nil {
		c = &circuit{}
		cs.m[key] = c
	}
	return c
}

func (c *circuit) expire(now time.Time, resetAfter time.Duration) {
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > resetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}

func (cs *circuits) isOpen(now time.Time, key string, cfg Config) (bool, time.Time) {
	if cfg.CircuitTripFailures < 0 || key == "" {
		return false, time.Time{}
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := cs.lockedGet(key)
	c.expire(now, cfg.CircuitResetAfter)
	if now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

func (cs *circuits) record(now time.Time, key string, cfg Config, err error) {
	if cfg.CircuitTripFailures < 0 || key == "" {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := cs.lockedGet(key)
	c.expire(now, cfg.CircuitResetAfter)
	if err == nil {
		*c = circuit{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < cfg.CircuitTripFailures {
		return
	}
	d := cfg.CircuitBaseDelay
	for i := cfg.CircuitTripFailures; i < c.fails && d < cfg.CircuitMaxDelay; i++ {
		d *= 2
	}
	c.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

// snapshot returns the tracked key count and the keys currently open.
func (cs *circuits) snapshot(now time.Time) (int, []string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var open []string
	for k, c := range cs.m {
		if now.Before(c.openUntil) {
			open = append(open, k)
		}
	}
	sort.Strings(open)
	return len(cs.m), open
}
