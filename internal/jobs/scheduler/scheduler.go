// Package scheduler turns cron and interval schedules into job engine
// submissions. It triggers only; execution, retries and overlap gating
// belong to the engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"quoteflow/internal/jobs/engine"
	logx "quoteflow/pkg/logx"
)

var ErrUnknownSchedule = errors.New("unknown schedule")

const enqueueWarnThrottle = 5 * time.Second

// Enqueuer is satisfied by *engine.Service.
type Enqueuer interface {
	Enqueue(j engine.Job) error
}

type schedule struct {
	name    string
	spec    Spec
	timeout time.Duration
	opt     engine.Options
	run     func(ctx context.Context) error
	entryID cron.EntryID
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	engine Enqueuer
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	defs   map[string]*schedule

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(eng Enqueuer, loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log:      log.With(logx.String("comp", "scheduler")),
		engine:   eng,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:      loc,
		defs:     map[string]*schedule{},
		lastWarn: map[string]time.Time{},
	}
}

// Add registers or replaces the schedule called name. Definitions added
// before Start are kept and armed when Start runs.
func (s *Service) Add(name, raw string, timeout time.Duration, opt engine.Options, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if run == nil {
		return fmt.Errorf("schedule %s: nil job", name)
	}
	spec, err := ParseSpec(raw)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if spec.Kind == SpecCron {
		if _, err := s.parser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &schedule{name: name, spec: spec, timeout: timeout, opt: opt, run: run}
	s.defs[name] = d
	if s.c != nil {
		s.armLocked(d)
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec.String()))
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// Start arms every registered schedule. Calling it twice is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.armLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering, waiting for an in-progress trigger or ctx.
// Definitions survive for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// SetLocation re-arms cron schedules on a new timezone.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	running := s.c != nil
	same := s.loc.String() == loc.String()
	s.loc = loc
	s.mu.Unlock()
	if running && !same {
		s.Stop(context.Background())
		s.Start()
	}
}

// RunNow submits name to the engine immediately, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.submit(d)
}

func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec.String(), Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) armLocked(d *schedule) {
	job := cron.FuncJob(func() {
		if err := s.submit(d); err != nil {
			s.reportEnqueueError(d.name, err)
		}
	})
	if d.spec.Kind == SpecInterval {
		d.entryID = s.c.Schedule(intervalWithSpread(d.spec.Every, time.Now().In(s.loc), d.name), job)
		return
	}
	id, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec.Cron), logx.Err(err))
		return
	}
	d.entryID = id
}

func (s *Service) submit(d *schedule) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Job{Name: d.name, Timeout: d.timeout, Opt: d.opt, Run: d.run})
}

func (s *Service) reportEnqueueError(name string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("schedule failed to enqueue job", logx.String("schedule", name), logx.Err(err))
}
