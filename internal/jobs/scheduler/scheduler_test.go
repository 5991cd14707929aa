package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quoteflow/internal/jobs/engine"
	logx "quoteflow/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	jobs []engine.Job
	err  error
}

func (r *recorder) Enqueue(j engine.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return r.err
}

func TestParseSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		kind    SpecKind
		every   time.Duration
		cron    string
		wantErr bool
	}{
		{in: "0 3 * * *", kind: SpecCron, cron: "0 3 * * *"},
		{in: "@daily", kind: SpecCron, cron: "@daily"},
		{in: "@every 5m", kind: SpecInterval, every: 5 * time.Minute},
		{in: "30s", kind: SpecInterval, every: 30 * time.Second},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:15m", kind: SpecInterval, every: 15 * time.Minute},
		{in: "cron:*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSpec(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.every, got.Every)
			assert.Equal(t, tt.cron, got.Cron)
		})
	}
}

func TestAddValidatesAndReplaces(t *testing.T) {
	t.Parallel()
	s := New(&recorder{}, time.UTC, logx.Nop())
	run := func(context.Context) error { return nil }

	assert.Error(t, s.Add("bad", "61 * * * *", 0, engine.Options{}, run))
	assert.Error(t, s.Add("", "1m", 0, engine.Options{}, run))
	assert.Error(t, s.Add("nil", "1m", 0, engine.Options{}, nil))

	require.NoError(t, s.Add("retention.sweep", "0 3 * * *", time.Minute, engine.Options{}, run))
	require.NoError(t, s.Add("retention.sweep", "0 4 * * *", time.Minute, engine.Options{}, run))
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "0 4 * * *", snap[0].Spec)

	assert.True(t, s.Remove("retention.sweep"))
	assert.False(t, s.Remove("retention.sweep"))
}

func TestStartArmsCronAndRunNow(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := New(rec, time.UTC, logx.Nop())
	run := func(context.Context) error { return nil }
	require.NoError(t, s.Add("overdue.sweep", "1m", 10*time.Second, engine.Options{}, run))
	require.NoError(t, s.Add("retention.sweep", "0 3 * * *", 0, engine.Options{}, run))

	s.Start()
	defer s.Stop(context.Background())
	for _, info := range s.Snapshot() {
		assert.False(t, info.Next.IsZero(), info.Name)
	}

	require.NoError(t, s.RunNow("overdue.sweep"))
	rec.mu.Lock()
	require.Len(t, rec.jobs, 1)
	assert.Equal(t, "overdue.sweep", rec.jobs[0].Name)
	assert.Equal(t, 10*time.Second, rec.jobs[0].Timeout)
	rec.mu.Unlock()

	assert.ErrorIs(t, s.RunNow("nope"), ErrUnknownSchedule)

	rec.mu.Lock()
	rec.err = errors.New("queue full")
	rec.mu.Unlock()
	assert.Error(t, s.RunNow("retention.sweep"))
}

func TestSpreadDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sch := intervalWithSpread(time.Minute, now, "dispatch.poll")
	first := sch.Next(now)
	assert.False(t, first.Before(now.Add(time.Minute)))
	assert.True(t, first.Before(now.Add(time.Minute+maxStartupSpread)))
	assert.Equal(t, first.Add(time.Minute).Truncate(time.Second), sch.Next(first).Truncate(time.Second))
}
