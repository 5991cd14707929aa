// Package tasks owns Task records: creation, state transitions, queries and
// the periodic sweeps (overdue, escalation, retention).
//
// The Store keeps an ordered in-memory copy of every task and writes each
// mutation through to a storage.TaskRepo before publishing it. Concurrent
// callers in one process are serialized; writers in other processes sharing
// the same repository can still lose updates.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"quoteflow/internal/clock"
	"quoteflow/internal/eventbus"
	"quoteflow/internal/model"
	"quoteflow/internal/storage"
	logx "quoteflow/pkg/logx"

	"github.com/google/uuid"
)

var ErrPersistence = errors.New("task persistence failed")

type Options struct {
	Clock clock.Clock
	Bus   eventbus.Bus
	Log   logx.Logger

	// Location bounds "today" queries; nil uses the clock's location.
	Location *time.Location

	// DefaultAssignee fills AssignedTo when a task is created without one.
	DefaultAssignee string

	// NewID overrides id generation (tests).
	NewID func() string
}

type Store struct {
	mu    sync.Mutex
	repo  storage.TaskRepo
	tasks []model.Task
	index map[string]int

	clock    clock.Clock
	bus      eventbus.Bus
	log      logx.Logger
	loc      *time.Location
	assignee string
	newID    func() string
}

// NewTask is the input to Create.
type NewTask struct {
	QuoteID  string
	ClientID string

	Type     model.TaskType
	Priority model.Priority

	Title       string
	Description string

	DueDate       *time.Time
	ScheduledDate *time.Time

	AssignedTo      string
	FollowUpType    string
	FollowUpMessage string
	CreatedBy       string

	Metadata model.Metadata
}

// Open loads every task from repo and returns a ready store.
func Open(ctx context.Context, repo storage.TaskRepo, opts Options) (*Store, error) {
	if repo == nil {
		return nil, errors.New("tasks: nil repository")
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		repo:     repo,
		index:    map[string]int{},
		clock:    clock.Or(opts.Clock),
		bus:      opts.Bus,
		log:      log.With(logx.String("comp", "tasks")),
		loc:      opts.Location,
		assignee: strings.TrimSpace(opts.DefaultAssignee),
		newID:    opts.NewID,
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.NewString() }
	}

	loaded, err := repo.LoadTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrPersistence, err)
	}
	for _, t := range loaded {
		if t.ID == "" {
			continue
		}
		if _, dup := s.index[t.ID]; dup {
			continue
		}
		if t.Notes == nil {
			t.Notes = []model.Note{}
		}
		s.index[t.ID] = len(s.tasks)
		s.tasks = append(s.tasks, t)
	}
	s.log.Debug("tasks loaded", logx.Int("count", len(s.tasks)))
	return s, nil
}

// Create validates and persists a new pending task.
func (s *Store) Create(ctx context.Context, in NewTask) (model.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return model.Task{}, model.Validationf("title is required")
	}
	if strings.TrimSpace(in.QuoteID) == "" && strings.TrimSpace(in.ClientID) == "" {
		return model.Task{}, model.Validationf("quoteId or clientId is required")
	}
	if in.Type == "" {
		in.Type = model.TypeFollowUp
	}
	if !in.Type.Valid() {
		return model.Task{}, model.Validationf("unknown task type %q", in.Type)
	}
	if in.Priority == "" {
		in.Priority = model.PriorityNormal
	}
	if !in.Priority.Valid() {
		return model.Task{}, model.Validationf("unknown priority %q", in.Priority)
	}

	now := s.clock.Now()
	t := model.Task{
		ID:              s.newID(),
		QuoteID:         strings.TrimSpace(in.QuoteID),
		ClientID:        strings.TrimSpace(in.ClientID),
		Type:            in.Type,
		Priority:        in.Priority,
		Status:          model.StatusPending,
		Title:           strings.TrimSpace(in.Title),
		Description:     in.Description,
		DueDate:         in.DueDate,
		ScheduledDate:   in.ScheduledDate,
		AssignedTo:      firstNonEmpty(in.AssignedTo, s.assignee),
		FollowUpType:    in.FollowUpType,
		FollowUpMessage: in.FollowUpMessage,
		CreatedDate:     now,
		CreatedBy:       firstNonEmpty(in.CreatedBy, "system"),
		LastModified:    now,
		Notes:           []model.Note{},
		Metadata:        in.Metadata,
	}
	t = t.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(ctx, t); err != nil {
		s.log.Warn("task create failed", logx.String("quote", t.QuoteID), logx.Err(err))
		return model.Task{}, err
	}
	s.publish(eventbus.TaskCreated, t)
	s.log.Debug("task created", logx.String("task", t.ID), logx.String("quote", t.QuoteID), logx.String("type", string(t.Type)))
	return t.Clone(), nil
}

func (s *Store) Get(id string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.getLocked(id)
	if !ok {
		return model.Task{}, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	return t.Clone(), nil
}

// All returns every task in creation order.
func (s *Store) All() []model.Task {
	return s.filter(func(model.Task) bool { return true })
}

func (s *Store) ForQuote(quoteID string) []model.Task {
	return s.filter(func(t model.Task) bool { return t.QuoteID == quoteID })
}

// Update replaces a task by id. Notes may only grow and a terminal task keeps its status.
func (s *Store) Update(ctx context.Context, in model.Task) (model.Task, error) {
	if !in.Status.Valid() {
		return model.Task{}, model.Validationf("unknown status %q", in.Status)
	}
	if !in.Priority.Valid() {
		return model.Task{}, model.Validationf("unknown priority %q", in.Priority)
	}
	if !in.Type.Valid() {
		return model.Task{}, model.Validationf("unknown task type %q", in.Type)
	}
	return s.mutate(ctx, in.ID, eventbus.TaskUpdated, func(cur *model.Task, now time.Time) error {
		if len(in.Notes) < len(cur.Notes) {
			return model.Validationf("notes cannot be removed")
		}
		if cur.Status.Terminal() && in.Status != cur.Status {
			return model.ErrTerminal
		}
		next := in.Clone()
		next.ID = cur.ID
		next.CreatedDate = cur.CreatedDate
		if next.Notes == nil {
			next.Notes = []model.Note{}
		}
		if next.Status == model.StatusCompleted {
			if next.CompletedDate == nil {
				next.CompletedDate = model.TimePtr(now)
			}
		} else {
			next.CompletedDate = nil
		}
		*cur = next
		return nil
	})
}

// Complete marks a task completed, recording notes as a completion note.
func (s *Store) Complete(ctx context.Context, id, notes string) (model.Task, error) {
	return s.mutate(ctx, id, eventbus.TaskCompleted, func(t *model.Task, now time.Time) error {
		if t.Status.Terminal() {
			return model.ErrTerminal
		}
		t.Status = model.StatusCompleted
		t.CompletedDate = model.TimePtr(now)
		if n := strings.TrimSpace(notes); n != "" {
			t.Notes = append(t.Notes, model.Note{Text: n, Date: now, Type: model.NoteCompletion})
		}
		return nil
	})
}

// CompleteSent completes a dispatched task and stores the message text that
// went out, in one mutation against the current record.
func (s *Store) CompleteSent(ctx context.Context, id, message, notes string) (model.Task, error) {
	return s.mutate(ctx, id, eventbus.TaskCompleted, func(t *model.Task, now time.Time) error {
		if t.Status.Terminal() {
			return model.ErrTerminal
		}
		if m := strings.TrimSpace(message); m != "" {
			t.FollowUpMessage = message
		}
		t.Status = model.StatusCompleted
		t.CompletedDate = model.TimePtr(now)
		if n := strings.TrimSpace(notes); n != "" {
			t.Notes = append(t.Notes, model.Note{Text: n, Date: now, Type: model.NoteCompletion})
		}
		return nil
	})
}

// Cancel marks a task cancelled with a "Cancelled: <reason>" note.
func (s *Store) Cancel(ctx context.Context, id, reason string) (model.Task, error) {
	return s.mutate(ctx, id, eventbus.TaskCancelled, func(t *model.Task, now time.Time) error {
		if t.Status.Terminal() {
			return model.ErrTerminal
		}
		t.Status = model.StatusCancelled
		t.CompletedDate = nil
		text := "Cancelled"
		if r := strings.TrimSpace(reason); r != "" {
			text = "Cancelled: " + r
		}
		t.Notes = append(t.Notes, model.Note{Text: text, Date: now, Type: model.NoteCancellation})
		return nil
	})
}

// Delete removes a task permanently.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.getLocked(id)
	if !ok {
		return fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	if err := s.repo.DeleteTasks(ctx, id); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrPersistence, id, err)
	}
	s.removeLocked(id)
	s.publish(eventbus.TaskDeleted, t)
	return nil
}

// AddNote appends a note; an empty noteType means general.
func (s *Store) AddNote(ctx context.Context, id, text string, noteType model.NoteType) (model.Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Task{}, model.Validationf("note text is required")
	}
	if noteType == "" {
		noteType = model.NoteGeneral
	}
	return s.mutate(ctx, id, eventbus.TaskUpdated, func(t *model.Task, now time.Time) error {
		t.Notes = append(t.Notes, model.Note{Text: text, Date: now, Type: noteType})
		return nil
	})
}

// SetStatus moves a task to status with a status-change note.
func (s *Store) SetStatus(ctx context.Context, id string, status model.Status) (model.Task, error) {
	if !status.Valid() {
		return model.Task{}, model.Validationf("unknown status %q", status)
	}
	event := eventbus.TaskUpdated
	switch status {
	case model.StatusCompleted:
		event = eventbus.TaskCompleted
	case model.StatusCancelled:
		event = eventbus.TaskCancelled
	}
	return s.mutate(ctx, id, event, func(t *model.Task, now time.Time) error {
		if t.Status.Terminal() {
			return model.ErrTerminal
		}
		old := t.Status
		t.Status = status
		t.Notes = append(t.Notes, model.Note{
			Text: fmt.Sprintf("Status changed from %s to %s", old, status),
			Date: now,
			Type: model.NoteStatusChange,
		})
		if status == model.StatusCompleted {
			t.CompletedDate = model.TimePtr(now)
		} else {
			t.CompletedDate = nil
		}
		return nil
	})
}

// IncrementAttempts records one failed delivery attempt without changing status.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (model.Task, error) {
	return s.mutate(ctx, id, eventbus.TaskUpdated, func(t *model.Task, now time.Time) error {
		if t.Status.Terminal() {
			return model.ErrTerminal
		}
		t.FollowUpAttempts++
		return nil
	})
}

// Reschedule moves the due date. An overdue task due in the future becomes pending again.
func (s *Store) Reschedule(ctx context.Context, id string, due time.Time) (model.Task, error) {
	if due.IsZero() {
		return model.Task{}, model.Validationf("due date is required")
	}
	return s.mutate(ctx, id, eventbus.TaskUpdated, func(t *model.Task, now time.Time) error {
		if t.Status.Terminal() {
			return model.ErrTerminal
		}
		t.DueDate = model.TimePtr(due)
		if t.Status == model.StatusOverdue && due.After(now) {
			t.Status = model.StatusPending
		}
		t.Notes = append(t.Notes, model.Note{
			Text: "Rescheduled to " + due.Format(time.RFC3339),
			Date: now,
			Type: model.NoteSystem,
		})
		return nil
	})
}

// mutate applies fn to a copy of task id, persists it, then swaps it in.
func (s *Store) mutate(ctx context.Context, id, event string, fn func(t *model.Task, now time.Time) error) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.getLocked(id)
	if !ok {
		return model.Task{}, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	next := cur.Clone()
	now := s.clock.Now()
	if err := fn(&next, now); err != nil {
		if errors.Is(err, model.ErrTerminal) {
			return model.Task{}, fmt.Errorf("task %s is %s: %w", id, cur.Status, err)
		}
		return model.Task{}, err
	}
	next.LastModified = now
	if err := s.persistLocked(ctx, next); err != nil {
		s.log.Warn("task update failed", logx.String("task", id), logx.Err(err))
		return model.Task{}, err
	}
	s.publish(event, next)
	return next.Clone(), nil
}

// persistLocked writes t through and updates the cache on success.
func (s *Store) persistLocked(ctx context.Context, ts ...model.Task) error {
	if len(ts) == 0 {
		return nil
	}
	if err := s.repo.PutTasks(ctx, ts); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	for _, t := range ts {
		if i, ok := s.index[t.ID]; ok {
			s.tasks[i] = t.Clone()
			continue
		}
		s.index[t.ID] = len(s.tasks)
		s.tasks = append(s.tasks, t.Clone())
	}
	return nil
}

func (s *Store) removeLocked(ids ...string) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if _, gone := drop[t.ID]; !gone {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = model.Task{}
	}
	s.tasks = kept
	s.index = make(map[string]int, len(kept))
	for i, t := range kept {
		s.index[t.ID] = i
	}
}

func (s *Store) getLocked(id string) (model.Task, bool) {
	i, ok := s.index[id]
	if !ok {
		return model.Task{}, false
	}
	return s.tasks[i], true
}

func (s *Store) filter(keep func(model.Task) bool) []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Task, 0)
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (s *Store) publish(typ string, t model.Task) {
	eventbus.Publish(s.bus, typ, t.Clone())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
