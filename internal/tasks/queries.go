package tasks

import (
	"sort"
	"time"

	"quoteflow/internal/model"
)

// Pending returns pending and in-progress tasks.
func (s *Store) Pending() []model.Task {
	return s.filter(func(t model.Task) bool { return t.Status.Active() })
}

// Overdue returns tasks marked overdue plus active tasks already past due.
func (s *Store) Overdue() []model.Task {
	now := s.clock.Now()
	return s.filter(func(t model.Task) bool {
		return t.Status == model.StatusOverdue || t.DueBefore(now)
	})
}

// Today returns active tasks due within the current local day.
func (s *Store) Today() []model.Task {
	start, end := s.dayBounds(s.clock.Now())
	return s.filter(func(t model.Task) bool {
		return t.Status.Active() && dueWithin(t, start, end)
	})
}

// Urgent returns active urgent tasks.
func (s *Store) Urgent() []model.Task {
	return s.filter(func(t model.Task) bool {
		return t.Status.Active() && t.Priority == model.PriorityUrgent
	})
}

// NextForQuote returns the earliest-due active task of a quote.
func (s *Store) NextForQuote(quoteID string) (model.Task, bool) {
	active := s.filter(func(t model.Task) bool { return t.QuoteID == quoteID && t.Status.Active() })
	if len(active) == 0 {
		return model.Task{}, false
	}
	sort.SliceStable(active, func(i, j int) bool {
		return effectiveDue(active[i]).Before(effectiveDue(active[j]))
	})
	return active[0], true
}

// DueForDispatch lists message-type tasks whose due time has arrived and that
// still have delivery attempts left, earliest first. maxAttempts <= 0 means
// no limit.
func (s *Store) DueForDispatch(now time.Time, maxAttempts int) []model.Task {
	due := s.filter(func(t model.Task) bool {
		if !t.Status.Active() && t.Status != model.StatusOverdue {
			return false
		}
		if t.DueDate == nil || t.DueDate.After(now) {
			return false
		}
		if t.Type != model.TypeMessage || (t.Metadata.TemplateID == "" && t.FollowUpMessage == "") {
			return false
		}
		switch t.Channel() {
		case "sms", "email":
		default:
			return false
		}
		return maxAttempts <= 0 || t.FollowUpAttempts < maxAttempts
	})
	sort.SliceStable(due, func(i, j int) bool { return due[i].DueDate.Before(*due[j].DueDate) })
	return due
}

func (s *Store) dayBounds(now time.Time) (time.Time, time.Time) {
	if s.loc != nil {
		now = now.In(s.loc)
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return start, start.AddDate(0, 0, 1)
}

func dueWithin(t model.Task, start, end time.Time) bool {
	return t.DueDate != nil && !t.DueDate.Before(start) && t.DueDate.Before(end)
}

// effectiveDue orders tasks by due date, then scheduled date; undated tasks sort last.
func effectiveDue(t model.Task) time.Time {
	if t.DueDate != nil {
		return *t.DueDate
	}
	if t.ScheduledDate != nil {
		return *t.ScheduledDate
	}
	return time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)
}
