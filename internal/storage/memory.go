package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"quoteflow/internal/model"
)

// taskList is an ordered, id-indexed task collection shared by the memory
// and file drivers. Callers hold the owning store's lock.
type taskList struct {
	order []string
	byID  map[string]model.Task
}

func newTaskList() *taskList { return &taskList{byID: map[string]model.Task{}} }

func (l *taskList) put(t model.Task) {
	if _, ok := l.byID[t.ID]; !ok {
		l.order = append(l.order, t.ID)
	}
	l.byID[t.ID] = t.Clone()
}

func (l *taskList) remove(ids ...string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := l.byID[id]; ok {
			drop[id] = struct{}{}
			delete(l.byID, id)
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := l.order[:0]
	for _, id := range l.order {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	l.order = kept
}

func (l *taskList) all() []model.Task {
	out := make([]model.Task, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id].Clone())
	}
	return out
}

type memoryStore struct {
	mu       sync.Mutex
	tasks    *taskList
	settings map[string]bool
	quotes   map[string]model.QuoteSnapshot
	dedup    map[string]time.Time
	closed   bool
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{
		tasks:    newTaskList(),
		settings: map[string]bool{},
		quotes:   map[string]model.QuoteSnapshot{},
		dedup:    map[string]time.Time{},
	}
}

func (s *memoryStore) Driver() string { return "memory" }

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) LoadTasks(ctx context.Context) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.tasks.all(), nil
}

func (s *memoryStore) PutTask(ctx context.Context, t model.Task) error {
	return s.PutTasks(ctx, []model.Task{t})
}

func (s *memoryStore) PutTasks(ctx context.Context, ts []model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, t := range ts {
		s.tasks.put(t)
	}
	return nil
}

func (s *memoryStore) DeleteTasks(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.tasks.remove(ids...)
	return nil
}

func (s *memoryStore) LoadSequenceSettings(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) PutSequenceSetting(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.settings[id] = enabled
	return nil
}

func (s *memoryStore) GetQuote(ctx context.Context, id string) (model.QuoteSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	return q, ok, nil
}

func (s *memoryStore) PutQuote(ctx context.Context, q model.QuoteSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.quotes[q.ID] = q
	return nil
}

func (s *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	return nil
}

func (s *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}
