package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"quoteflow/internal/clock"
	"quoteflow/internal/eventbus"
	"quoteflow/internal/model"
	"quoteflow/internal/tasks"
	logx "quoteflow/pkg/logx"
)

const (
	defaultSlot      = "morning"
	stopReason       = "Sequence stopped"
	sourceSequence   = "sequence"
	sourcePolicy     = "followup-policy"
	metaSequenceName = "sequenceName"
)

// TaskStore is the part of tasks.Store the scheduler writes through.
type TaskStore interface {
	Create(ctx context.Context, in tasks.NewTask) (model.Task, error)
	Cancel(ctx context.Context, id, reason string) (model.Task, error)
	ForQuote(quoteID string) []model.Task
}

// Resolver moves a candidate instant into an allowed contact window.
type Resolver interface {
	Resolve(candidate time.Time, slot string) time.Time
}

type Options struct {
	Clock clock.Clock
	Bus   eventbus.Bus
	Log   logx.Logger

	// HighValueThreshold feeds FollowupSequenceFor; <= 0 uses the default.
	HighValueThreshold float64

	// Render fills placeholders in inline follow-up messages at creation.
	Render func(text string, q model.QuoteSnapshot) string
}

// Scheduler expands catalog sequences into tasks for a quote.
type Scheduler struct {
	catalog *Catalog
	store   TaskStore
	clock   clock.Clock
	bus     eventbus.Bus
	log     logx.Logger
	render  func(string, model.QuoteSnapshot) string

	mu        sync.RWMutex
	resolver  Resolver
	threshold float64
}

func NewScheduler(catalog *Catalog, store TaskStore, resolver Resolver, opts Options) *Scheduler {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	render := opts.Render
	if render == nil {
		render = func(s string, _ model.QuoteSnapshot) string { return s }
	}
	return &Scheduler{
		catalog:   catalog,
		store:     store,
		clock:     clock.Or(opts.Clock),
		bus:       opts.Bus,
		log:       log.With(logx.String("comp", "sequence")),
		render:    render,
		resolver:  resolver,
		threshold: opts.HighValueThreshold,
	}
}

func (s *Scheduler) Catalog() *Catalog { return s.catalog }

// SetResolver swaps the contact-time policy; tasks already created keep
// their due dates.
func (s *Scheduler) SetResolver(r Resolver) {
	s.mu.Lock()
	s.resolver = r
	s.mu.Unlock()
}

func (s *Scheduler) SetHighValueThreshold(v float64) {
	s.mu.Lock()
	s.threshold = v
	s.mu.Unlock()
}

// FollowupSequenceFor applies the follow-up policy with the configured
// high-value threshold.
func (s *Scheduler) FollowupSequenceFor(q model.QuoteSnapshot) string {
	s.mu.RLock()
	th := s.threshold
	s.mu.RUnlock()
	return FollowupSequenceFor(q, th)
}

// Start creates one task per step of sequenceID for q. An empty sequenceID
// is chosen by the follow-up policy. A step that fails to persist is logged
// and skipped; only created tasks are returned.
func (s *Scheduler) Start(ctx context.Context, q model.QuoteSnapshot, sequenceID string) ([]model.Task, error) {
	if strings.TrimSpace(q.ID) == "" {
		return nil, model.Validationf("quote id is required to start a sequence")
	}
	if sequenceID == "" {
		sequenceID = s.FollowupSequenceFor(q)
	}
	def, ok := s.catalog.Get(sequenceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSequence, sequenceID)
	}
	if !def.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrSequenceDisabled, sequenceID)
	}

	s.mu.RLock()
	resolver := s.resolver
	s.mu.RUnlock()

	now := s.clock.Now()
	base := now
	if def.Anchor == AnchorDateSent && q.DateSent != nil && !q.DateSent.IsZero() {
		base = *q.DateSent
	}

	created := make([]model.Task, 0, len(def.Steps))
	for i, step := range def.Steps {
		slot := firstNonEmpty(step.Slot, def.Slot, defaultSlot)
		due := base.Add(time.Duration(step.DelayHours) * time.Hour)
		if resolver != nil {
			due = resolver.Resolve(due, slot)
		}
		in := s.taskFor(def, i, step, q, due)
		t, err := s.store.Create(ctx, in)
		if err != nil {
			s.log.Warn("sequence step not scheduled",
				logx.String("quote", q.ID),
				logx.String("sequence", def.ID),
				logx.Int("step", step.StepID),
				logx.Err(err),
			)
			continue
		}
		created = append(created, t)
	}

	s.log.Info("sequence started",
		logx.String("quote", q.ID),
		logx.String("sequence", def.ID),
		logx.Int("tasks", len(created)),
		logx.Time("base", base),
	)
	eventbus.Publish(s.bus, eventbus.SequenceStarted, map[string]any{
		"quoteId": q.ID, "sequenceId": def.ID, "tasks": len(created),
	})
	return created, nil
}

func (s *Scheduler) taskFor(def Definition, idx int, step Step, q model.QuoteSnapshot, due time.Time) tasks.NewTask {
	meta := model.Metadata{
		SequenceID:   def.ID,
		StepID:       strconv.Itoa(step.StepID),
		StepIndex:    idx,
		TemplateID:   step.TemplateID,
		MessageType:  step.MessageType,
		ConditionTag: string(step.Condition),
		Extra:        map[string]string{metaSequenceName: def.Name},
	}
	in := tasks.NewTask{
		QuoteID:       q.ID,
		ClientID:      q.Client.ID,
		Priority:      step.Priority,
		Description:   step.Description,
		DueDate:       model.TimePtr(due),
		ScheduledDate: model.TimePtr(due),
		FollowUpType:  step.MessageType,
	}

	if def.Style == StyleMessage {
		meta.Source = sourceSequence
		in.Type = model.TypeMessage
		in.Title = fmt.Sprintf("Send %s - %s", step.MessageType, def.Name)
		if step.TemplateID == "" {
			in.FollowUpMessage = step.Message
		}
		in.Metadata = meta
		return in
	}

	meta.Source = sourcePolicy
	msg := s.render(step.Message, q)
	in.Type = def.TaskType
	if in.Type == "" {
		in.Type = model.TypeFollowUp
	}
	in.Title = followupTitle(in.Type, q)
	in.FollowUpMessage = msg
	if in.Description == "" {
		in.Description = msg
	}
	in.Metadata = meta
	return in
}

func followupTitle(typ model.TaskType, q model.QuoteSnapshot) string {
	name := q.ClientName()
	if typ == model.TypeNurture {
		return "Nurture: " + firstNonEmpty(name, "Client")
	}
	return "Follow up: " + firstNonEmpty(name, "Quote #"+q.ID)
}

// Stop cancels the open tasks of one sequence for a quote. Overdue tasks
// count as open: the due poll still dispatches them, so they are cancelled
// and counted along with pending and in-progress ones.
func (s *Scheduler) Stop(ctx context.Context, quoteID, sequenceID string) (int, error) {
	return s.stopWhere(ctx, quoteID, func(id string) bool { return id == sequenceID }, sequenceID)
}

// StopAll cancels active tasks of every catalog sequence for a quote.
func (s *Scheduler) StopAll(ctx context.Context, quoteID string) (int, error) {
	known := make(map[string]struct{})
	for _, id := range s.catalog.IDs() {
		known[id] = struct{}{}
	}
	return s.stopWhere(ctx, quoteID, func(id string) bool {
		_, ok := known[id]
		return ok
	}, "*")
}

// StopPolicy cancels the active tasks of every policy follow-up sequence.
func (s *Scheduler) StopPolicy(ctx context.Context, quoteID string) (int, error) {
	policy := make(map[string]struct{})
	for _, id := range PolicySequenceIDs() {
		policy[id] = struct{}{}
	}
	return s.stopWhere(ctx, quoteID, func(id string) bool {
		_, ok := policy[id]
		return ok
	}, "policy")
}

func (s *Scheduler) stopWhere(ctx context.Context, quoteID string, match func(string) bool, label string) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, t := range s.store.ForQuote(quoteID) {
		if t.Status.Terminal() || t.Metadata.SequenceID == "" || !match(t.Metadata.SequenceID) {
			continue
		}
		if _, err := s.store.Cancel(ctx, t.ID, stopReason); err != nil {
			if errors.Is(err, model.ErrTerminal) {
				continue
			}
			errs = append(errs, fmt.Errorf("cancel %s: %w", t.ID, err))
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("sequence stopped",
			logx.String("quote", quoteID),
			logx.String("sequence", label),
			logx.Int("cancelled", n),
		)
		eventbus.Publish(s.bus, eventbus.SequenceStopped, map[string]any{
			"quoteId": quoteID, "sequenceId": label, "cancelled": n,
		})
	}
	return n, errors.Join(errs...)
}

// ActiveCount is the number of distinct sequences with active tasks for a quote.
func (s *Scheduler) ActiveCount(quoteID string) int {
	seen := make(map[string]struct{})
	for _, t := range s.store.ForQuote(quoteID) {
		if !t.Status.Terminal() && t.Metadata.SequenceID != "" {
			seen[t.Metadata.SequenceID] = struct{}{}
		}
	}
	return len(seen)
}

// TasksForQuote lists the quote's sequence-created tasks in store order.
func (s *Scheduler) TasksForQuote(quoteID string) []model.Task {
	var out []model.Task
	for _, t := range s.store.ForQuote(quoteID) {
		if t.Metadata.SequenceID != "" {
			out = append(out, t)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
