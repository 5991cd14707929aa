package tasks

import (
	"context"
	"fmt"
	"time"

	"quoteflow/internal/eventbus"
	"quoteflow/internal/model"
	logx "quoteflow/pkg/logx"
)

const defaultRetentionDays = 90

// CheckOverdue marks active tasks past their due date as overdue, each with
// one system note. Changed tasks are written in one batch.
func (s *Store) CheckOverdue(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var changed []model.Task
	for _, t := range s.tasks {
		if !t.DueBefore(now) {
			continue
		}
		next := t.Clone()
		next.Status = model.StatusOverdue
		next.LastModified = now
		next.Notes = append(next.Notes, model.Note{Text: "Task became overdue", Date: now, Type: model.NoteSystem})
		changed = append(changed, next)
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := s.persistLocked(ctx, changed...); err != nil {
		s.log.Warn("overdue sweep failed", logx.Int("candidates", len(changed)), logx.Err(err))
		return 0, err
	}
	for _, t := range changed {
		s.publish(eventbus.TaskOverdue, t)
	}
	s.log.Info("tasks became overdue", logx.Int("count", len(changed)))
	return len(changed), nil
}

// Cleanup deletes completed and cancelled tasks finished more than daysOld
// days ago. daysOld <= 0 means 90. Non-terminal tasks are always kept.
func (s *Store) Cleanup(ctx context.Context, daysOld int) (int, error) {
	if daysOld <= 0 {
		daysOld = defaultRetentionDays
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().AddDate(0, 0, -daysOld)
	var ids []string
	for _, t := range s.tasks {
		if !t.Status.Terminal() {
			continue
		}
		finished := t.LastModified
		if t.CompletedDate != nil {
			finished = *t.CompletedDate
		}
		if finished.Before(cutoff) {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.repo.DeleteTasks(ctx, ids...); err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", ErrPersistence, err)
	}
	s.removeLocked(ids...)
	eventbus.Publish(s.bus, eventbus.TaskCleaned, map[string]any{"removed": len(ids), "daysOld": daysOld})
	s.log.Info("old tasks cleaned up", logx.Int("removed", len(ids)), logx.Int("days_old", daysOld))
	return len(ids), nil
}

// Rules configures the escalation sweep.
type Rules struct {
	RaiseAfter    time.Duration
	EscalateAfter time.Duration
}

func DefaultRules() Rules {
	return Rules{RaiseAfter: 24 * time.Hour, EscalateAfter: 48 * time.Hour}
}

// Escalation reports the tasks touched by one sweep.
type Escalation struct {
	Raised    []model.Task
	Escalated []model.Task
}

// EscalateOverdue applies the escalation ladder to overdue tasks by how long
// they have been overdue. Level 1 raises the priority one step, level 2 flags
// the task for the manager. Each level applies once per task.
func (s *Store) EscalateOverdue(ctx context.Context, rules Rules) (Escalation, error) {
	def := DefaultRules()
	if rules.RaiseAfter <= 0 {
		rules.RaiseAfter = def.RaiseAfter
	}
	if rules.EscalateAfter <= 0 {
		rules.EscalateAfter = def.EscalateAfter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var (
		changed []model.Task
		raised  = map[string]bool{}
	)
	for _, t := range s.tasks {
		if t.Status != model.StatusOverdue || t.DueDate == nil {
			continue
		}
		late := now.Sub(*t.DueDate)
		level := t.Metadata.EscalationLevel
		if level >= 2 || late < rules.RaiseAfter {
			continue
		}
		next := t.Clone()
		if level < 1 {
			next.Priority = next.Priority.Raise()
			next.Metadata.EscalationLevel = 1
			next.Notes = append(next.Notes, model.Note{
				Text: "Escalated: overdue by " + hours(rules.RaiseAfter),
				Date: now,
				Type: model.NoteEscalation,
			})
			raised[next.ID] = true
		}
		if late >= rules.EscalateAfter {
			next.Metadata.EscalationLevel = 2
			next.Notes = append(next.Notes, model.Note{
				Text: "Escalated to manager: overdue by " + hours(rules.EscalateAfter),
				Date: now,
				Type: model.NoteEscalation,
			})
		}
		if next.Metadata.EscalationLevel == level {
			continue
		}
		next.LastModified = now
		changed = append(changed, next)
	}
	if len(changed) == 0 {
		return Escalation{}, nil
	}
	if err := s.persistLocked(ctx, changed...); err != nil {
		s.log.Warn("escalation sweep failed", logx.Int("candidates", len(changed)), logx.Err(err))
		return Escalation{}, err
	}
	var res Escalation
	for _, t := range changed {
		if raised[t.ID] {
			res.Raised = append(res.Raised, t.Clone())
		}
		if t.Metadata.EscalationLevel == 2 {
			res.Escalated = append(res.Escalated, t.Clone())
			s.publish(eventbus.TaskEscalated, t)
		} else {
			s.publish(eventbus.TaskUpdated, t)
		}
	}
	return res, nil
}

func hours(d time.Duration) string {
	return fmt.Sprintf("%dh", int(d.Hours()))
}
