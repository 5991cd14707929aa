package tasks

import "quoteflow/internal/model"

type Stats struct {
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	InProgress int            `json:"inProgress"`
	Completed  int            `json:"completed"`
	Cancelled  int            `json:"cancelled"`
	Overdue    int            `json:"overdue"`
	ByPriority map[string]int `json:"byPriority"`
	ByType     map[string]int `json:"byType"`
}

// Summary is the dashboard roll-up.
type Summary struct {
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	Overdue    int            `json:"overdue"`
	Today      int            `json:"today"`
	Urgent     int            `json:"urgent"`
	Completed  int            `json:"completed"`
	ByType     map[string]int `json:"byType"`
	ByPriority map[string]int `json:"byPriority"`
}

func (s *Store) Stats() Stats {
	all := s.All()
	st := Stats{
		Total: len(all),
		ByPriority: map[string]int{
			string(model.PriorityUrgent): 0,
			string(model.PriorityHigh):   0,
			string(model.PriorityNormal): 0,
			string(model.PriorityLow):    0,
		},
		ByType: map[string]int{},
	}
	for _, t := range all {
		switch t.Status {
		case model.StatusPending:
			st.Pending++
		case model.StatusInProgress:
			st.InProgress++
		case model.StatusCompleted:
			st.Completed++
		case model.StatusCancelled:
			st.Cancelled++
		case model.StatusOverdue:
			st.Overdue++
		}
		if _, ok := st.ByPriority[string(t.Priority)]; ok {
			st.ByPriority[string(t.Priority)]++
		}
		st.ByType[t.StatKey()]++
	}
	return st
}

func (s *Store) Summary() Summary {
	all := s.All()
	start, end := s.dayBounds(s.clock.Now())
	sum := Summary{Total: len(all), ByType: map[string]int{}, ByPriority: map[string]int{}}
	for _, t := range all {
		switch {
		case t.Status.Active():
			sum.Pending++
		case t.Status == model.StatusCompleted:
			sum.Completed++
		case t.Status == model.StatusOverdue:
			sum.Overdue++
		}
		if t.Priority == model.PriorityUrgent && t.Status.Active() {
			sum.Urgent++
		}
		if dueWithin(t, start, end) {
			sum.Today++
		}
		sum.ByType[t.StatKey()]++
		sum.ByPriority[string(t.Priority)]++
	}
	return sum
}
