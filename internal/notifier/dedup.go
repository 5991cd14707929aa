package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"quoteflow/internal/clock"
	"quoteflow/internal/storage"
	"quoteflow/internal/transport"
	logx "quoteflow/pkg/logx"
)

const (
	dedupLookupTimeout = 25 * time.Millisecond
	dedupWriteTimeout  = 250 * time.Millisecond
)

// dedupKey identifies a message by channel, recipient and whitespace
// normalized content.
func dedupKey(n transport.Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s", n.Channel, n.ContactID, n.Subject, strings.Join(strings.Fields(n.Text), " "))
	return fmt.Sprintf("%x", h.Sum64())
}

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupCache holds suppression windows in memory, backed by an optional
// repository so windows survive a restart.
type dedupCache struct {
	clock clock.Clock
	repo  storage.DedupRepo
	log   logx.Logger

	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache(c clock.Clock, repo storage.DedupRepo, log logx.Logger) *dedupCache {
	return &dedupCache{clock: c, repo: repo, log: log, until: map[string]time.Time{}}
}

// seen reports whether key is inside an open window. With persist set, a
// memory miss falls through to the repository under a short deadline.
func (d *dedupCache) seen(ctx context.Context, key string, persist bool) bool {
	now := d.clock.Now()
	d.mu.Lock()
	until, ok := d.until[key]
	d.mu.Unlock()
	if ok && now.Before(until) {
		return true
	}
	if !persist || d.repo == nil {
		return false
	}

	lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
	defer cancel()
	until, ok, err := d.repo.GetDedup(lctx, key)
	if err != nil || !ok || !now.Before(until) {
		return false
	}
	d.mu.Lock()
	d.until[key] = until
	d.mu.Unlock()
	return true
}

// mark opens a window for key and returns its end. Expired windows are
// pruned; past limit the windows closing soonest are evicted.
func (d *dedupCache) mark(key string, window time.Duration, limit int) time.Time {
	now := d.clock.Now()
	end := now.Add(window)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.until[key] = end
	for k, u := range d.until {
		if !now.Before(u) {
			delete(d.until, k)
		}
	}
	for limit > 0 && len(d.until) > limit {
		victim, soonest := "", time.Time{}
		for k, u := range d.until {
			if victim == "" || u.Before(soonest) {
				victim, soonest = k, u
			}
		}
		delete(d.until, victim)
	}
	return end
}

func (d *dedupCache) save(ctx context.Context, w dedupWrite) {
	if d.repo == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, dedupWriteTimeout)
	defer cancel()
	if err := d.repo.PutDedup(wctx, w.key, w.until); err != nil {
		d.log.Debug("dedup mark not persisted", logx.Err(err))
	}
}

// saveLoop drains ch until it is closed or ctx ends.
func (d *dedupCache) saveLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			d.save(ctx, w)
		}
	}
}
