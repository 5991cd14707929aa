package contacttime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// 2026-03-02 is a Monday.
func at(day, hour int) time.Time {
	return time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC)
}

func TestResolveSlotMidpoints(t *testing.T) {
	t.Parallel()
	p := Default()
	cases := []struct {
		name      string
		candidate time.Time
		slot      string
		want      time.Time
	}{
		{"weekday morning", at(2, 7), SlotMorning, at(2, 10)},
		{"weekday afternoon", at(3, 23), SlotAfternoon, at(3, 15)},
		{"weekday evening", at(4, 1), SlotEvening, at(4, 18)},
		{"unknown slot falls back to morning", at(4, 13), "lunch", at(4, 10)},
		{"empty slot is morning", at(5, 13), "", at(5, 10)},
		{"saturday uses weekend profile", at(7, 8), SlotMorning, at(7, 11)},
		{"saturday afternoon", at(7, 8), SlotAfternoon, at(7, 15)},
		{"weekend has no evening", at(7, 8), SlotEvening, at(7, 11)},
		{"sunday moves to monday", at(8, 9), SlotMorning, at(9, 11)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := p.Resolve(tc.candidate, tc.slot)
			assert.True(t, got.Equal(tc.want), "got %v want %v", got, tc.want)
		})
	}
}

func TestResolveDNDBoundaries(t *testing.T) {
	t.Parallel()
	p := Default()
	p.Weekday["late"] = Slot{Start: 19, End: 21}
	p.Weekday["early"] = Slot{Start: 7, End: 9}
	p.Weekday["night"] = Slot{Start: 22, End: 2}
	p.Weekday["friday"] = Slot{Start: 20, End: 23}

	// DND start is inside the window: next business day at weekday morning midpoint.
	got := p.Resolve(at(2, 12), "late")
	assert.True(t, got.Equal(at(3, 10)), "late: %v", got)

	// DND end is outside the window.
	got = p.Resolve(at(2, 12), "early")
	assert.True(t, got.Equal(at(2, 8)), "early: %v", got)

	// Straddling slot wraps to Tuesday 00:00, which is DND, so Wednesday 10:00.
	got = p.Resolve(at(2, 12), "night")
	assert.True(t, got.Equal(at(4, 10)), "night: %v", got)

	// Friday evening in DND lands on Saturday and skips to Monday.
	got = p.Resolve(at(6, 12), "friday")
	assert.True(t, got.Equal(at(9, 10)), "friday: %v", got)
}

func TestResolveNeverInDNDOrSunday(t *testing.T) {
	t.Parallel()
	p := Default()
	start := at(2, 0)
	for h := 0; h < 24*14; h++ {
		c := start.Add(time.Duration(h) * time.Hour)
		for _, slot := range []string{SlotMorning, SlotAfternoon, SlotEvening} {
			got := p.Resolve(c, slot)
			assert.False(t, p.InDND(got.Hour()), "%v/%s -> %v in DND", c, slot, got)
			assert.NotEqual(t, time.Sunday, got.Weekday(), "%v/%s -> %v on Sunday", c, slot, got)
		}
	}
}

func TestFollowupScenarioFromMondayMorning(t *testing.T) {
	t.Parallel()
	p := Default()
	base := at(2, 9)
	want := []time.Time{at(2, 10), at(3, 10), at(5, 10), at(9, 10)}
	for i, delay := range []int{0, 24, 72, 168} {
		got := p.Resolve(base.Add(time.Duration(delay)*time.Hour), SlotMorning)
		assert.True(t, got.Equal(want[i]), "delay %dh: got %v want %v", delay, got, want[i])
		assert.NotContains(t, []time.Weekday{time.Saturday, time.Sunday}, got.Weekday())
	}
}

func TestResolveUsesPolicyLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("AEST", 10*3600)
	p := Default()
	p.Location = loc
	// Monday 22:00 UTC is Tuesday 08:00 AEST.
	got := p.Resolve(time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC), SlotAfternoon)
	want := time.Date(2026, 3, 3, 15, 0, 0, 0, loc)
	assert.True(t, got.Equal(want), "got %v want %v", got, want)
	assert.Equal(t, loc, got.Location())
}

func TestInDND(t *testing.T) {
	t.Parallel()
	p := Policy{DNDStart: 20, DNDEnd: 8}
	assert.True(t, p.InDND(20))
	assert.True(t, p.InDND(0))
	assert.True(t, p.InDND(7))
	assert.False(t, p.InDND(8))
	assert.False(t, p.InDND(19))

	day := Policy{DNDStart: 12, DNDEnd: 13}
	assert.True(t, day.InDND(12))
	assert.False(t, day.InDND(13))

	assert.False(t, Policy{}.InDND(3))
}
