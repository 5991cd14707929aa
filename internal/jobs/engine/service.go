package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quoteflow/internal/eventbus"
	rtsup "quoteflow/internal/runtime/supervisor"
	logx "quoteflow/pkg/logx"
)

const dropWarnInterval = 5 * time.Second

// Service runs jobs on a fixed worker pool. Each Start creates a new pool
// generation; Stop tears it down and drops whatever is still queued.
type Service struct {
	log  logx.Logger
	bus  eventbus.Bus
	gate keyGate

	mu   sync.Mutex
	cfg  Config
	pool *pool

	breakers circuits

	hmu     sync.Mutex
	history []HistoryItem

	seq      atomic.Uint64
	running  atomic.Int32
	dropFull atomic.Uint64
	dropOld  atomic.Uint64
	lastWarn atomic.Int64
}

type pool struct {
	queue    chan queued
	stop     chan struct{}
	sup      *rtsup.Supervisor
	stopping bool
}

type queued struct {
	job     Job
	at      time.Time
	timeout time.Duration
	opt     Options
	gated   bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "jobs")),
		bus: bus,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply installs cfg. The pool is rebuilt when its size changes, stopped
// when the engine is disabled and started when it is enabled.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.pool != nil
	s.mu.Unlock()

	resized := prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize
	if running && (!cfg.Enabled || resized) {
		s.Stop(ctx)
		running = false
	}
	if !running && cfg.Enabled {
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.pool != nil {
		return
	}
	p := &pool{
		queue: make(chan queued, s.cfg.QueueSize),
		stop:  make(chan struct{}),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.pool = p
	for i := range s.cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p, i)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("job engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop cancels the workers and waits for them or ctx. Queued jobs are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.pool
	if p == nil || p.stopping {
		s.mu.Unlock()
		return
	}
	p.stopping = true
	close(p.stop)
	s.mu.Unlock()

	err := p.sup.Stop(ctx)
drain:
	for {
		select {
		case item := <-p.queue:
			s.release(item)
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.pool = nil
	s.mu.Unlock()

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("job engine stopped")
}

// Enqueue queues j without blocking; a full queue drops it.
func (s *Service) Enqueue(j Job) error { return s.enqueue(context.Background(), j, false) }

// Submit queues j, waiting for room until ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, j Job) error { return s.enqueue(ctx, j, true) }

func (s *Service) enqueue(ctx context.Context, j Job, wait bool) error {
	if j.Run == nil {
		return errors.New("engine: job has no Run func")
	}
	if j.Name = strings.TrimSpace(j.Name); j.Name == "" {
		return errors.New("engine: job name is required")
	}
	j.Key = cmp.Or(j.Key, j.Name)
	j.Circuit = cmp.Or(j.Circuit, j.Name)
	now := time.Now()
	if j.ID == "" {
		j.ID = fmt.Sprintf("job-%x-%x", now.UnixNano(), s.seq.Add(1))
	}

	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	stopping := p != nil && p.stopping
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	skip := func(reason string) {
		eventbus.Publish(s.bus, eventbus.JobSkipped, JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Started: now, Error: reason})
	}
	if open, until := s.breakers.isOpen(now, j.Circuit, cfg); open {
		s.log.Debug("job skipped: circuit open", logx.String("job", j.Name), logx.String("circuit", j.Circuit), logx.Time("until", until))
		s.record(cfg, HistoryItem{ID: j.ID, Name: j.Name, Started: now, Error: "circuit_open"})
		skip("circuit_open")
		return ErrCircuitOpen
	}

	item := queued{job: j, at: now, timeout: j.Timeout, opt: j.Opt.withDefaults(cfg)}
	if item.timeout <= 0 {
		item.timeout = cfg.DefaultTimeout
	}
	if item.opt.Overlap == OverlapSkipIfRunning {
		if !s.gate.acquire(j.Key) {
			skip("overlap_skip")
			return ErrOverlapSkip
		}
		item.gated = true
	}

	if !wait {
		select {
		case p.queue <- item:
			return nil
		default:
			s.release(item)
			s.dropped(now, j, "queue_full", 0)
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		s.release(item)
		return ctx.Err()
	case <-p.stop:
		s.release(item)
		return ErrStopping
	}
}

func (s *Service) release(item queued) {
	if item.gated {
		s.gate.release(item.job.Key)
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.running.Load()),
		DroppedQueueFull: s.dropFull.Load(),
		DroppedStale:     s.dropOld.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
	}
	snap.Dropped = snap.DroppedQueueFull + snap.DroppedStale
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	snap.CircuitTotal, snap.CircuitOpen = s.breakers.snapshot(time.Now())

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(cfg Config, item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if extra := len(s.history) - cfg.HistorySize; extra > 0 {
		s.history = append(s.history[:0:0], s.history[extra:]...)
	}
}

func (s *Service) dropped(now time.Time, j Job, reason string, delay time.Duration) {
	counter := &s.dropOld
	if reason == "queue_full" {
		counter = &s.dropFull
	}
	n := counter.Add(1)
	eventbus.Publish(s.bus, eventbus.JobDropped, JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Started: now, QueueDelay: delay, Error: reason})

	last := s.lastWarn.Load()
	if last != 0 && time.Duration(now.UnixNano()-last) < dropWarnInterval {
		return
	}
	if s.lastWarn.CompareAndSwap(last, now.UnixNano()) {
		s.log.Warn("job dropped", logx.String("job", j.Name), logx.String("reason", reason), logx.Uint64("count", n), logx.Duration("queue_delay", delay))
	}
}
