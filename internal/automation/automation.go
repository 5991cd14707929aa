// Package automation owns the periodic sweeps: overdue marking, due-task
// dispatch, escalation and retention. Schedules trigger through the cron
// scheduler and run on the job engine; RunOnce runs a sweep inline.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"quoteflow/internal/clock"
	"quoteflow/internal/dispatch"
	"quoteflow/internal/jobs/engine"
	"quoteflow/internal/model"
	"quoteflow/internal/tasks"
	"quoteflow/internal/transport"
	logx "quoteflow/pkg/logx"
)

// Job names.
const (
	JobOverdue    = "overdue.sweep"
	JobDispatch   = "dispatch.poll"
	JobEscalation = "escalation.sweep"
	JobRetention  = "retention.sweep"
)

var ErrUnknownJob = errors.New("unknown automation job")

func Jobs() []string { return []string{JobOverdue, JobDispatch, JobEscalation, JobRetention} }

type Config struct {
	Enabled         bool
	OverdueEvery    time.Duration
	DispatchEvery   time.Duration
	EscalationEvery time.Duration
	// Retention is a cron spec.
	Retention     string
	RetentionDays int
	MaxAttempts   int
	Rules         tasks.Rules
	NotifyManager bool
	// JobTimeout bounds one sweep or one dispatch. 0 uses the engine default.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.OverdueEvery <= 0 {
		c.OverdueEvery = time.Minute
	}
	if c.DispatchEvery <= 0 {
		c.DispatchEvery = 30 * time.Second
	}
	if c.EscalationEvery <= 0 {
		c.EscalationEvery = 15 * time.Minute
	}
	if strings.TrimSpace(c.Retention) == "" {
		c.Retention = "0 3 * * *"
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

type TaskStore interface {
	CheckOverdue(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, daysOld int) (int, error)
	EscalateOverdue(ctx context.Context, rules tasks.Rules) (tasks.Escalation, error)
	DueForDispatch(now time.Time, maxAttempts int) []model.Task
}

type Dispatcher interface {
	ProcessSequenceTask(ctx context.Context, taskID string) (dispatch.Outcome, error)
}

type Enqueuer interface {
	Enqueue(j engine.Job) error
}

// Scheduler is satisfied by *scheduler.Service.
type Scheduler interface {
	Add(name, spec string, timeout time.Duration, opt engine.Options, run func(ctx context.Context) error) error
	Remove(name string) bool
}

type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

type Deps struct {
	Tasks      TaskStore
	Dispatcher Dispatcher
	Engine     Enqueuer
	Scheduler  Scheduler
	Notifier   Notifier
	Clock      clock.Clock
	Log        logx.Logger
}

// Report is the outcome of one sweep run.
type Report struct {
	Job       string        `json:"job"`
	At        time.Time     `json:"at"`
	Took      time.Duration `json:"took"`
	Marked    int           `json:"marked,omitempty"`
	Removed   int           `json:"removed,omitempty"`
	Raised    int           `json:"raised,omitempty"`
	Escalated int           `json:"escalated,omitempty"`
	Due       int           `json:"due,omitempty"`
	Enqueued  int           `json:"enqueued,omitempty"`
	Sent      int           `json:"sent,omitempty"`
	Cancelled int           `json:"cancelled,omitempty"`
	Failed    int           `json:"failed,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type Runner struct {
	deps  Deps
	clock clock.Clock
	log   logx.Logger

	mu      sync.Mutex
	cfg     Config
	started bool
	last    map[string]Report
}

func New(deps Deps, cfg Config) *Runner {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		deps:  deps,
		clock: clock.Or(deps.Clock),
		log:   log.With(logx.String("comp", "automation")),
		cfg:   cfg.withDefaults(),
		last:  map[string]Report{},
	}
}

func (r *Runner) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Start registers the sweeps on the scheduler. It is a no-op when disabled.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cfg.Enabled || r.started {
		return nil
	}
	if r.deps.Scheduler == nil {
		return errors.New("automation: nil scheduler")
	}
	if err := r.registerLocked(); err != nil {
		r.unregisterLocked()
		return err
	}
	r.started = true
	r.log.Info("automation started",
		logx.Duration("overdue", r.cfg.OverdueEvery),
		logx.Duration("dispatch", r.cfg.DispatchEvery),
		logx.Duration("escalation", r.cfg.EscalationEvery),
		logx.String("retention", r.cfg.Retention),
	)
	return nil
}

// Stop removes the schedules. Jobs already queued on the engine finish or are
// dropped by the engine's own Stop.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.unregisterLocked()
	r.started = false
	r.log.Info("automation stopped")
}

// Apply swaps the config and re-registers the schedules if running.
func (r *Runner) Apply(ctx context.Context, cfg Config) error {
	r.Stop(ctx)
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
	return r.Start(ctx)
}

func (r *Runner) registerLocked() error {
	cfg := r.cfg
	opt := engine.Options{Overlap: engine.OverlapSkipIfRunning}
	every := func(d time.Duration) string { return "@every " + d.String() }
	specs := []struct {
		name, spec string
	}{
		{JobOverdue, every(cfg.OverdueEvery)},
		{JobDispatch, every(cfg.DispatchEvery)},
		{JobEscalation, every(cfg.EscalationEvery)},
		{JobRetention, "cron:" + cfg.Retention},
	}
	for _, s := range specs {
		name := s.name
		run := func(ctx context.Context) error {
			_, err := r.run(ctx, name, false)
			return err
		}
		if err := r.deps.Scheduler.Add(name, s.spec, cfg.JobTimeout, opt, run); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runner) unregisterLocked() {
	for _, name := range Jobs() {
		r.deps.Scheduler.Remove(name)
	}
}

// RunOnce runs one sweep synchronously. The dispatch poll processes due
// tasks inline instead of enqueueing them.
func (r *Runner) RunOnce(ctx context.Context, job string) (Report, error) {
	return r.run(ctx, job, true)
}

// LastRuns returns the latest report of each sweep, sorted by job name.
func (r *Runner) LastRuns() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Report, 0, len(r.last))
	for _, rep := range r.last {
		out = append(out, rep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

func (r *Runner) run(ctx context.Context, job string, inline bool) (Report, error) {
	cfg := r.config()
	start := r.clock.Now()
	rep := Report{Job: job, At: start}

	var err error
	switch job {
	case JobOverdue:
		rep.Marked, err = r.deps.Tasks.CheckOverdue(ctx)
	case JobRetention:
		rep.Removed, err = r.deps.Tasks.Cleanup(ctx, cfg.RetentionDays)
	case JobEscalation:
		err = r.escalate(ctx, cfg, &rep)
	case JobDispatch:
		r.poll(ctx, cfg, inline, &rep)
	default:
		return rep, fmt.Errorf("%w: %q", ErrUnknownJob, job)
	}
	rep.Took = r.clock.Now().Sub(start)
	if err != nil {
		rep.Error = err.Error()
	}

	r.mu.Lock()
	r.last[job] = rep
	r.mu.Unlock()

	fields := []logx.Field{logx.String("job", job), logx.Duration("took", rep.Took)}
	if err != nil {
		r.log.Warn("sweep failed", append(fields, logx.Err(err))...)
		return rep, err
	}
	if rep.Marked+rep.Removed+rep.Raised+rep.Escalated+rep.Due > 0 {
		r.log.Info("sweep done", append(fields,
			logx.Int("marked", rep.Marked),
			logx.Int("removed", rep.Removed),
			logx.Int("raised", rep.Raised),
			logx.Int("escalated", rep.Escalated),
			logx.Int("due", rep.Due),
			logx.Int("enqueued", rep.Enqueued),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
		)...)
	}
	return rep, nil
}

func (r *Runner) escalate(ctx context.Context, cfg Config, rep *Report) error {
	res, err := r.deps.Tasks.EscalateOverdue(ctx, cfg.Rules)
	if err != nil {
		return err
	}
	rep.Raised, rep.Escalated = len(res.Raised), len(res.Escalated)
	if !cfg.NotifyManager || r.deps.Notifier == nil {
		return nil
	}
	for _, t := range res.Escalated {
		text := fmt.Sprintf("Task overdue and escalated: %s", t.Title)
		if t.QuoteID != "" {
			text += " (quote " + t.QuoteID + ")"
		}
		n := transport.Notification{Channel: transport.ChannelSMS, Text: text, Priority: 7}
		if err := r.deps.Notifier.Notify(ctx, n); err != nil {
			r.log.Warn("manager not notified", logx.String("task", t.ID), logx.Err(err))
		}
	}
	return nil
}

// poll lists the due message tasks. Scheduled runs enqueue one job per task
// keyed by task id; inline runs dispatch them one by one.
func (r *Runner) poll(ctx context.Context, cfg Config, inline bool, rep *Report) {
	due := r.deps.Tasks.DueForDispatch(r.clock.Now(), cfg.MaxAttempts)
	rep.Due = len(due)
	if r.deps.Dispatcher == nil {
		return
	}
	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		if inline || r.deps.Engine == nil {
			outcome, _ := r.dispatchOne(ctx, t.ID)
			tally(rep, outcome)
			continue
		}
		id := t.ID
		name := "dispatch." + t.Channel()
		err := r.deps.Engine.Enqueue(engine.Job{
			Name:    name,
			Key:     id,
			Circuit: name,
			Timeout: cfg.JobTimeout,
			Opt:     engine.Options{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
			Run: func(ctx context.Context) error {
				if outcome, err := r.dispatchOne(ctx, id); outcome == dispatch.OutcomeFailed {
					return engine.NoRetry(err)
				}
				return nil
			},
		})
		switch {
		case err == nil:
			rep.Enqueued++
		case errors.Is(err, engine.ErrOverlapSkip):
		default:
			r.log.Debug("dispatch not enqueued", logx.String("task", id), logx.String("job", name), logx.Err(err))
		}
	}
}

func (r *Runner) dispatchOne(ctx context.Context, taskID string) (dispatch.Outcome, error) {
	return r.deps.Dispatcher.ProcessSequenceTask(ctx, taskID)
}

func tally(rep *Report, outcome dispatch.Outcome) {
	switch outcome {
	case dispatch.OutcomeSent:
		rep.Sent++
	case dispatch.OutcomeCancelled:
		rep.Cancelled++
	case dispatch.OutcomeFailed:
		rep.Failed++
	}
}
