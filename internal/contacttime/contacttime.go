// Package contacttime maps a candidate instant to a business-hours-safe one.
//
// Resolution is pure: the same policy, candidate and slot always give the
// same result.
package contacttime

import (
	"strings"
	"time"
)

const (
	SlotMorning   = "morning"
	SlotAfternoon = "afternoon"
	SlotEvening   = "evening"
)

// Slot is an hour range [Start, End). End may be smaller than Start when the
// slot straddles midnight.
type Slot struct {
	Start int
	End   int
}

// Midpoint returns the target hour and whether it falls on the next calendar day.
func (s Slot) Midpoint() (hour int, nextDay bool) {
	n := s.End - s.Start
	if n <= 0 {
		n = s.End + 24 - s.Start
	}
	hour = s.Start + n/2
	if hour >= 24 {
		return hour - 24, true
	}
	return hour, false
}

type Policy struct {
	// Location is the business timezone; nil keeps the candidate's location.
	Location *time.Location

	Weekday map[string]Slot
	Weekend map[string]Slot

	// DND is the half-open window [DNDStart, DNDEnd), wrapping midnight when
	// DNDStart > DNDEnd. Equal values disable it.
	DNDStart int
	DNDEnd   int

	NoSunday bool
}

// Default is the stock policy: weekday 9-12/14-17/18-19, weekend 10-12/14-16,
// quiet from 20:00 to 08:00, no Sunday contact.
func Default() Policy {
	return Policy{
		Weekday: map[string]Slot{
			SlotMorning:   {Start: 9, End: 12},
			SlotAfternoon: {Start: 14, End: 17},
			SlotEvening:   {Start: 18, End: 19},
		},
		Weekend: map[string]Slot{
			SlotMorning:   {Start: 10, End: 12},
			SlotAfternoon: {Start: 14, End: 16},
		},
		DNDStart: 20,
		DNDEnd:   8,
		NoSunday: true,
	}
}

// InDND reports whether hour falls in the do-not-disturb window.
func (p Policy) InDND(hour int) bool {
	switch {
	case p.DNDStart == p.DNDEnd:
		return false
	case p.DNDStart < p.DNDEnd:
		return hour >= p.DNDStart && hour < p.DNDEnd
	default:
		return hour >= p.DNDStart || hour < p.DNDEnd
	}
}

// Resolve moves candidate to the midpoint of the named slot on the same day,
// then out of the DND window and off Sunday if required. Unknown slots use
// the morning slot of the day's profile.
func (p Policy) Resolve(candidate time.Time, slot string) time.Time {
	t := candidate
	if p.Location != nil {
		t = t.In(p.Location)
	}
	loc := t.Location()

	hour, nextDay := p.slotFor(t.Weekday(), slot).Midpoint()
	day := 0
	if nextDay {
		day = 1
	}
	out := time.Date(t.Year(), t.Month(), t.Day()+day, hour, 0, 0, 0, loc)

	if p.InDND(hour) {
		d := nextBusinessDay(out)
		h, _ := p.slotFor(time.Monday, SlotMorning).Midpoint()
		out = time.Date(d.Year(), d.Month(), d.Day(), h, 0, 0, 0, loc)
	}

	if p.NoSunday && out.Weekday() == time.Sunday {
		out = time.Date(out.Year(), out.Month(), out.Day()+1, out.Hour(), 0, 0, 0, loc)
	}
	return out
}

func (p Policy) slotFor(wd time.Weekday, name string) Slot {
	profile := p.Weekday
	if wd == time.Saturday || wd == time.Sunday {
		profile = p.Weekend
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if s, ok := profile[key]; ok {
		return s
	}
	if s, ok := profile[SlotMorning]; ok {
		return s
	}
	if s, ok := p.Weekday[SlotMorning]; ok {
		return s
	}
	return Default().Weekday[SlotMorning]
}

func nextBusinessDay(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
	switch d.Weekday() {
	case time.Saturday:
		d = d.AddDate(0, 0, 2)
	case time.Sunday:
		d = d.AddDate(0, 0, 1)
	}
	return d
}
