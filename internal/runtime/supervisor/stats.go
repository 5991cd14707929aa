package supervisor

import (
	"fmt"
	"sort"
	"time"
)

// UnitStats is the per-name view exposed on health endpoints.
type UnitStats struct {
	Name        string    `json:"name"`
	Active      int       `json:"active"`
	Runs        uint64    `json:"runs"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at,omitempty"`
}

type Snapshot struct {
	Active     int         `json:"active"`
	FirstError string      `json:"first_error,omitempty"`
	Units      []UnitStats `json:"units"`
}

type unitStats struct {
	s *Supervisor
	UnitStats
}

func (s *Supervisor) begin(name string, restart bool) *unitStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.units[name]
	if u == nil {
		u = &unitStats{s: s, UnitStats: UnitStats{Name: name}}
		s.units[name] = u
	}
	u.Active++
	u.Runs++
	if restart {
		u.Restarts++
	}
	u.LastStartAt = time.Now()
	return u
}

func (s *Supervisor) end(u *unitStats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Active > 0 {
		u.Active--
	}
	if err != nil {
		u.LastErr = err.Error()
		u.LastErrAt = time.Now()
	}
}

func (u *unitStats) notePanic(p any) {
	u.s.mu.Lock()
	u.Panics++
	u.LastErr = fmt.Sprint(p)
	u.s.mu.Unlock()
}

// Snapshot lists units with running ones first, then by name.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, u := range s.units {
		snap.Units = append(snap.Units, u.UnitStats)
		snap.Active += u.Active
	}
	s.mu.Unlock()
	sort.Slice(snap.Units, func(i, j int) bool {
		a, b := snap.Units[i], snap.Units[j]
		if (a.Active > 0) != (b.Active > 0) {
			return a.Active > 0
		}
		return a.Name < b.Name
	})
	return snap
}
