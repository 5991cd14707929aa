// Package router maps quote lifecycle events onto sequence starts, stops
// and task adjustments.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"quoteflow/internal/clock"
	"quoteflow/internal/eventbus"
	"quoteflow/internal/model"
	"quoteflow/internal/sequence"
	"quoteflow/internal/tasks"
	logx "quoteflow/pkg/logx"
)

var ErrUnknownEvent = errors.New("unknown quote event")

// Quote event types.
const (
	QuoteSent          = "quote-sent"
	QuoteAccepted      = "quote-accepted"
	QuoteDeclined      = "quote-declined"
	QuoteViewed        = "quote-viewed"
	QuoteCancelled     = "quote-cancelled"
	QuoteDeleted       = "quote-deleted"
	QuoteStatusChanged = "quote-status-changed"
	JobCompleted       = "job-completed"
)

// Events lists every type HandleQuoteEvent accepts.
func Events() []string {
	return []string{QuoteSent, QuoteAccepted, QuoteDeclined, QuoteViewed, QuoteCancelled, QuoteDeleted, QuoteStatusChanged, JobCompleted}
}

const viewedNote = "Client viewed quote - increased priority"

type Scheduler interface {
	Start(ctx context.Context, q model.QuoteSnapshot, sequenceID string) ([]model.Task, error)
	Stop(ctx context.Context, quoteID, sequenceID string) (int, error)
	StopAll(ctx context.Context, quoteID string) (int, error)
	StopPolicy(ctx context.Context, quoteID string) (int, error)
}

type TaskStore interface {
	Create(ctx context.Context, in tasks.NewTask) (model.Task, error)
	Update(ctx context.Context, t model.Task) (model.Task, error)
	ForQuote(quoteID string) []model.Task
}

type QuoteStore interface {
	PutQuote(ctx context.Context, q model.QuoteSnapshot) error
}

type Deps struct {
	Scheduler Scheduler
	Tasks     TaskStore
	Quotes    QuoteStore
	Bus       eventbus.Bus
	Log       logx.Logger
	Clock     clock.Clock
}

type Router struct {
	sched  Scheduler
	tasks  TaskStore
	quotes QuoteStore
	bus    eventbus.Bus
	log    logx.Logger
	clock  clock.Clock

	policy atomic.Bool
}

// Result summarizes what one event changed.
type Result struct {
	Event     string   `json:"event"`
	QuoteID   string   `json:"quoteId"`
	Started   []string `json:"started,omitempty"`
	Created   int      `json:"created"`
	Cancelled int      `json:"cancelled"`
	Upgraded  int      `json:"upgraded"`
}

func New(deps Deps) *Router {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		sched:  deps.Scheduler,
		tasks:  deps.Tasks,
		quotes: deps.Quotes,
		bus:    deps.Bus,
		log:    log.With(logx.String("comp", "router")),
		clock:  clock.Or(deps.Clock),
	}
}

// SetPolicyFollowups toggles the value/source/status follow-up sequences
// alongside the catalog sequences.
func (r *Router) SetPolicyFollowups(on bool) { r.policy.Store(on) }

// HandleQuoteEvent applies the event table. Individual step failures are
// logged and joined into the returned error; the result still reports what
// succeeded.
func (r *Router) HandleQuoteEvent(ctx context.Context, eventType string, q model.QuoteSnapshot, previous *model.QuoteSnapshot) (Result, error) {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	res := Result{Event: eventType, QuoteID: q.ID}
	if !known(eventType) {
		r.log.Warn("unknown quote event", logx.String("event", eventType), logx.String("quote", q.ID))
		return res, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
	if strings.TrimSpace(q.ID) == "" {
		return res, model.Validationf("quote id is required")
	}

	var errs []error
	if r.quotes != nil {
		if err := r.quotes.PutQuote(ctx, q); err != nil {
			errs = append(errs, err)
		}
	}

	switch eventType {
	case QuoteSent:
		errs = append(errs, r.start(ctx, &res, q, sequence.QuoteFollowup))
		if r.policy.Load() {
			errs = append(errs, r.start(ctx, &res, q, ""))
		}
	case QuoteAccepted:
		errs = append(errs, r.accepted(ctx, &res, q)...)
	case QuoteDeclined:
		errs = append(errs, r.declined(ctx, &res, q)...)
	case JobCompleted:
		errs = append(errs, r.start(ctx, &res, q, sequence.PostJob))
	case QuoteCancelled, QuoteDeleted:
		n, err := r.sched.StopAll(ctx, q.ID)
		res.Cancelled += n
		errs = append(errs, err)
	case QuoteViewed:
		errs = append(errs, r.upgrade(ctx, &res, q.ID, viewedNote))
	case QuoteStatusChanged:
		errs = append(errs, r.statusChanged(ctx, &res, q, previous)...)
	}

	err := errors.Join(errs...)
	fields := []logx.Field{
		logx.String("event", eventType),
		logx.String("quote", q.ID),
		logx.Int("created", res.Created),
		logx.Int("cancelled", res.Cancelled),
		logx.Int("upgraded", res.Upgraded),
	}
	if err != nil {
		r.log.Warn("quote event partially applied", append(fields, logx.Err(err))...)
	} else {
		r.log.Info("quote event handled", fields...)
	}
	eventbus.Publish(r.bus, eventbus.QuoteEvent, res)
	return res, err
}

func (r *Router) accepted(ctx context.Context, res *Result, q model.QuoteSnapshot) []error {
	errs := []error{r.stop(ctx, res, q.ID, sequence.QuoteFollowup)}
	if r.policy.Load() {
		n, err := r.sched.StopPolicy(ctx, q.ID)
		res.Cancelled += n
		errs = append(errs, err)
	}
	errs = append(errs, r.start(ctx, res, q, sequence.Booking))
	return append(errs, r.postAcceptance(ctx, res, q))
}

func (r *Router) declined(ctx context.Context, res *Result, q model.QuoteSnapshot) []error {
	errs := []error{r.stop(ctx, res, q.ID, sequence.QuoteFollowup)}
	if r.policy.Load() {
		n, err := r.sched.StopPolicy(ctx, q.ID)
		res.Cancelled += n
		errs = append(errs, err)
	}
	return append(errs, r.start(ctx, res, q, sequence.LostNurture))
}

func (r *Router) statusChanged(ctx context.Context, res *Result, q model.QuoteSnapshot, previous *model.QuoteSnapshot) []error {
	if previous != nil && previous.Status == q.Status {
		return nil
	}
	switch q.Status {
	case model.QuoteAccepted:
		return r.accepted(ctx, res, q)
	case model.QuoteDeclined:
		return r.declined(ctx, res, q)
	case model.QuoteFollowUp:
		return []error{r.upgrade(ctx, res, q.ID, "")}
	}
	return nil
}

func (r *Router) start(ctx context.Context, res *Result, q model.QuoteSnapshot, sequenceID string) error {
	created, err := r.sched.Start(ctx, q, sequenceID)
	if errors.Is(err, sequence.ErrSequenceDisabled) {
		r.log.Info("sequence disabled; not started", logx.String("quote", q.ID), logx.String("sequence", sequenceID))
		return nil
	}
	if err != nil {
		return err
	}
	if len(created) > 0 {
		res.Started = append(res.Started, created[0].Metadata.SequenceID)
		res.Created += len(created)
	}
	return nil
}

func (r *Router) stop(ctx context.Context, res *Result, quoteID, sequenceID string) error {
	n, err := r.sched.Stop(ctx, quoteID, sequenceID)
	res.Cancelled += n
	return err
}

// upgrade raises pending normal-priority tasks of a quote to high, adding
// note when it is non-empty.
func (r *Router) upgrade(ctx context.Context, res *Result, quoteID, note string) error {
	var errs []error
	for _, t := range r.tasks.ForQuote(quoteID) {
		if t.Status != model.StatusPending || t.Priority != model.PriorityNormal {
			continue
		}
		t.Priority = model.PriorityHigh
		if note != "" {
			t.Notes = append(t.Notes, model.Note{Text: note, Date: r.clock.Now(), Type: model.NoteSystem})
		}
		if _, err := r.tasks.Update(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("upgrade %s: %w", t.ID, err))
			continue
		}
		res.Upgraded++
	}
	return errors.Join(errs...)
}

type fixedTask struct {
	title       string
	typ         model.TaskType
	priority    model.Priority
	after       time.Duration
	description string
}

// postAcceptance creates the booking checklist. Due times are exact offsets
// from now and bypass the contact-time resolver.
func (r *Router) postAcceptance(ctx context.Context, res *Result, q model.QuoteSnapshot) error {
	client := q.ClientName()
	if client == "" {
		client = "client"
	}
	fixed := []fixedTask{
		{"Send contract and booking link", model.TypeEmail, model.PriorityUrgent, 2 * time.Hour, "Email contract and online booking link to " + client},
		{"Confirm booking details", model.TypePhoneCall, model.PriorityHigh, 24 * time.Hour, "Call to confirm date, time, and any special requirements"},
		{"Send pre-job reminder", model.TypeSMS, model.PriorityNormal, 6 * 24 * time.Hour, "SMS reminder 24 hours before scheduled job"},
	}
	now := r.clock.Now()
	var errs []error
	for _, f := range fixed {
		due := now.Add(f.after)
		_, err := r.tasks.Create(ctx, tasks.NewTask{
			QuoteID:       q.ID,
			ClientID:      q.Client.ID,
			Type:          f.typ,
			Priority:      f.priority,
			Title:         f.title,
			Description:   f.description,
			DueDate:       model.TimePtr(due),
			ScheduledDate: model.TimePtr(due),
			FollowUpType:  string(f.typ),
			Metadata:      model.Metadata{Source: "post-acceptance"},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("create %q: %w", f.title, err))
			continue
		}
		res.Created++
	}
	return errors.Join(errs...)
}

func known(eventType string) bool {
	for _, e := range Events() {
		if e == eventType {
			return true
		}
	}
	return false
}
