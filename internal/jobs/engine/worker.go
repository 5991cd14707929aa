package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"quoteflow/internal/eventbus"
	logx "quoteflow/pkg/logx"
)

func (s *Service) worker(ctx context.Context, p *pool, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))
	for {
		// A closed stop channel wins over a non-empty queue.
		select {
		case <-p.stop:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case item := <-p.queue:
			s.running.Add(1)
			s.execOne(ctx, p.stop, item, rng)
			s.running.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, item queued, rng *rand.Rand) {
	defer s.release(item)
	start := time.Now()
	delay := max(start.Sub(item.at), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	j := item.job
	if cfg.MaxQueueDelay > 0 && delay > cfg.MaxQueueDelay {
		s.dropped(start, j, "stale_queue_delay", delay)
		s.record(cfg, HistoryItem{ID: j.ID, Name: j.Name, Started: start, QueueDelay: delay, Error: "stale_queue_delay"})
		return
	}

	eventbus.Publish(s.bus, eventbus.JobStarted, JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Started: start, QueueDelay: delay})

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= 1+item.opt.RetryMax; attempt++ {
		attempts = attempt
		err = s.runAttempt(ctx, item)
		if err == nil {
			break
		}
		if cause, ok := permanent(err); ok {
			err = cause
			break
		}
		if attempt > item.opt.RetryMax {
			break
		}
		wait := backoffDelayWithHint(item.opt, attempt, err, rng)
		s.log.Debug("job retry scheduled", logx.String("job", j.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", wait), logx.Err(err))
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	hist := HistoryItem{ID: j.ID, Name: j.Name, Started: start, QueueDelay: delay, Duration: dur, Attempts: attempts}
	ev := JobEvent{ID: j.ID, Name: j.Name, Key: j.Key, Started: start, QueueDelay: delay, Duration: dur, Attempts: attempts}
	if err != nil {
		hist.Error, ev.Error = err.Error(), err.Error()
		s.log.Warn("job failed", logx.String("job", j.Name), logx.String("key", j.Key), logx.Int("attempts", attempts), logx.Duration("dur", dur), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.JobFailed, ev)
	} else {
		s.log.Debug("job finished", logx.String("job", j.Name), logx.Int("attempts", attempts), logx.Duration("dur", dur))
		eventbus.Publish(s.bus, eventbus.JobFinished, ev)
	}

	// Cancellation on shutdown says nothing about the downstream.
	if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrStopping) {
		s.breakers.record(time.Now(), j.Circuit, cfg, err)
	}
	s.record(cfg, hist)
}

func (s *Service) runAttempt(ctx context.Context, item queued) (err error) {
	runCtx := ctx
	if item.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, item.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("job", item.job.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return item.job.Run(runCtx)
}

func backoffDelayWithHint(opt Options, retry int, err error, rng *rand.Rand) time.Duration {
	if after, ok := retryHint(err); ok {
		return withJitter(min(after, opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt Options, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return withJitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func withJitter(d time.Duration, opt Options, rng *rand.Rand) time.Duration {
	if d <= 0 || rng == nil {
		return max(d, 0)
	}
	r := (rng.Float64()*2 - 1) * opt.RetryJitter
	d = time.Duration(float64(d) * (1 + r))
	return min(max(d, 0), opt.RetryMaxDelay)
}
