// Package notifier guards outbound messaging. Client messages go through a
// synchronous Guard (rate limit and dedup around the gateway); operator
// alerts go through an async queue with a worker pool and retry.
package notifier

import (
	"context"
	"errors"
	"sync"

	"quoteflow/internal/clock"
	"quoteflow/internal/eventbus"
	"quoteflow/internal/storage"
	"quoteflow/internal/transport"
	logx "quoteflow/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled   = errors.New("notifier: disabled")
	ErrQueueFull  = errors.New("notifier: queue full")
	ErrStopped    = errors.New("notifier: not running")
	ErrNoOperator = errors.New("notifier: no operator contact configured")
)

type Deps struct {
	Gateway transport.Gateway
	Log     logx.Logger
	Bus     eventbus.Bus
	Dedup   storage.DedupRepo
	Clock   clock.Clock
}

// Service is safe for concurrent use.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	clock clock.Clock
	dedup *dedupCache

	mu      sync.Mutex
	gw      transport.Gateway
	cfg     Config
	limiter *rate.Limiter
	pool    *pool

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "notifier"))
	c := clock.Or(deps.Clock)
	s := &Service{
		log:   log,
		bus:   deps.Bus,
		clock: c,
		dedup: newDedupCache(c, deps.Dedup, log),
		gw:    deps.Gateway,
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply replaces limits in place. Worker count and queue size take effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalized()
	lim := rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Lock()
	s.cfg, s.limiter = cfg, lim
	s.mu.Unlock()
}

func (s *Service) current() (Config, *rate.Limiter, transport.Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter, s.gw
}

// Notify queues n for async delivery. An empty contact id addresses the
// operator. Duplicates inside the dedup window are dropped silently.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil || p.closing:
		s.mu.Unlock()
		return ErrStopped
	}
	// Stop waits for in-flight callers before closing the channels.
	p.inflight.Add(1)
	s.mu.Unlock()
	defer p.inflight.Done()

	if n.ContactID == "" {
		n.ContactID = cfg.Operator
	}
	if n.ContactID == "" {
		return ErrNoOperator
	}
	if n.Channel == "" {
		n.Channel = transport.ChannelSMS
	}

	key := dedupKey(n)
	if cfg.DedupWindow > 0 {
		if s.dedup.seen(ctx, key, cfg.PersistDedup) {
			s.publish(eventbus.NotifierDeduped, n, key, nil)
			return nil
		}
		until := s.dedup.mark(key, cfg.DedupWindow, cfg.DedupMaxEntries)
		if p.marks != nil {
			select {
			case p.marks <- dedupWrite{key: key, until: until}:
			default:
			}
		}
	}

	select {
	case p.jobs <- job{n: n, key: key}:
		s.publish(eventbus.NotifierQueued, n, key, nil)
		return nil
	default:
		s.publish(eventbus.NotifierDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// SendAlert satisfies logx.AlertSender by queueing text for the operator.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	return s.Notify(ctx, transport.Notification{Channel: transport.ChannelSMS, Text: text, Priority: 7})
}

// History returns delivered messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) delivered(n transport.Notification) {
	item := HistoryItem{At: s.clock.Now(), Channel: n.Channel, ContactID: n.ContactID, Text: n.Text}
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if extra := len(s.history) - historyLimit; extra > 0 {
		s.history = append(s.history[:0:0], s.history[extra:]...)
	}
}

func (s *Service) publish(typ string, n transport.Notification, key string, err error) {
	ev := NotificationEvent{Channel: n.Channel, ContactID: n.ContactID, Key: key, At: s.clock.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Publish(s.bus, typ, ev)
}
