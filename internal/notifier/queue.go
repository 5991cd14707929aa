package notifier

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"quoteflow/internal/eventbus"
	rtsup "quoteflow/internal/runtime/supervisor"
	"quoteflow/internal/transport"
	logx "quoteflow/pkg/logx"
)

const markBuffer = 1024

type job struct {
	n   transport.Notification
	key string
}

// pool is one Start..Stop generation of the operator queue. closing is
// guarded by Service.mu.
type pool struct {
	jobs     chan job
	marks    chan dedupWrite
	sup      *rtsup.Supervisor
	inflight sync.WaitGroup
	closing  bool
	drained  chan struct{}
}

// Start launches the queue workers. It is a no-op while running or while
// the notifier is disabled, and waits out a Stop that is still draining.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if p := s.pool; p != nil && p.closing {
		s.mu.Unlock()
		select {
		case <-p.drained:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.pool != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	p := &pool{
		jobs:    make(chan job, s.cfg.QueueSize),
		sup:     rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
		drained: make(chan struct{}),
	}
	if s.cfg.PersistDedup && s.dedup.repo != nil {
		p.marks = make(chan dedupWrite, markBuffer)
	}
	s.pool = p
	workers := s.cfg.Workers
	s.mu.Unlock()

	if p.marks != nil {
		p.sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.dedup.saveLoop(c, p.marks)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return c.Err()
				case j, ok := <-p.jobs:
					if !ok {
						return nil
					}
					s.deliver(c, j)
				}
			}
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop refuses new work and drains what is queued until ctx ends, at which
// point the workers are cancelled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.closing
	p.closing = true
	s.mu.Unlock()

	if first {
		go func() {
			p.inflight.Wait()
			if p.marks != nil {
				close(p.marks)
			}
			close(p.jobs)
			_ = p.sup.Wait(context.Background())
			s.mu.Lock()
			s.pool = nil
			s.mu.Unlock()
			close(p.drained)
		}()
	}

	select {
	case <-p.drained:
	case <-ctx.Done():
		if first {
			p.sup.Cancel()
		}
	}
}

// Supervisor exposes worker state for health output; nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	return s.pool.sup
}

func (s *Service) deliver(ctx context.Context, j job) {
	cfg, lim, gw := s.current()
	if gw == nil {
		return
	}
	n := j.n
	n.Text = priorityTag(n.Priority) + n.Text

	tries := 1 + cfg.RetryMax
	var err error
	for try := 1; try <= tries; try++ {
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err = transport.Send(sctx, gw, n)
		cancel()
		if err == nil {
			s.delivered(n)
			s.publish(eventbus.NotifierSent, n, j.key, nil)
			return
		}
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("try", try), logx.Int("of", tries))
		if try == tries {
			break
		}
		select {
		case <-time.After(retryDelay(cfg, try)):
		case <-ctx.Done():
			return
		}
	}
	s.publish(eventbus.NotifierFailed, n, j.key, err)
}

func priorityTag(p int) string {
	if p >= 9 {
		return "[URGENT] "
	}
	if p >= 7 {
		return "[ALERT] "
	}
	return ""
}

// retryDelay doubles RetryBase per attempt up to RetryMaxDelay and scales
// the result by a random factor in [0.7, 1.3).
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
