package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quoteflow/internal/clock"
	"quoteflow/internal/config"
	"quoteflow/internal/contacttime"
	"quoteflow/internal/httpapi"
	"quoteflow/internal/model"
	"quoteflow/internal/router"
	"quoteflow/internal/sequence"
	"quoteflow/internal/tasks"
)

var monday9 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const baseConfig = `
logging:
  level: error
business:
  timezone: UTC
  operator_contact: owner-1
  company:
    name: Acme Painting
storage:
  driver: memory
gateway:
  driver: discard
http:
  enabled: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func newTestApp(t *testing.T, body string) *App {
	t.Helper()
	a, err := newApp(writeConfig(t, body), clock.NewFake(monday9))
	require.NoError(t, err)
	return a
}

func boolPtr(v bool) *bool { return &v }

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}

	sc, err := mapStorage(cfg)
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	ec, err := mapEngine(cfg)
	require.NoError(t, err)
	assert.True(t, ec.Enabled)

	nc, err := mapNotifier(cfg)
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.Equal(t, time.Minute, nc.DedupWindow)
	assert.Equal(t, 500*time.Millisecond, nc.RetryBase)

	ac, err := mapAutomation(cfg)
	require.NoError(t, err)
	assert.True(t, ac.Enabled)
	assert.Equal(t, tasks.DefaultRules(), ac.Rules)
}

func TestMapEngineCircuitBreaker(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{TaskEngine: &config.TaskEngineConfig{
		Workers:        4,
		CircuitBreaker: &config.CircuitBreakerConfig{Enabled: true, Threshold: 3, Cooldown: "30s"},
	}}
	ec, err := mapEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, ec.Workers)
	assert.Equal(t, 3, ec.CircuitTripFailures)
	assert.Equal(t, 30*time.Second, ec.CircuitBaseDelay)

	cfg.TaskEngine.CircuitBreaker.Enabled = false
	ec, err = mapEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, -1, ec.CircuitTripFailures)
}

func TestMapPolicyOverrides(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Business: config.BusinessConfig{
		Timezone: "Australia/Sydney",
		ContactTimes: config.ContactTimesConfig{
			Weekdays: map[string]config.HourRange{"Morning": {Start: 7, End: 10}},
		},
		DND: &config.DNDConfig{Start: 21, End: 7},
	}}
	p, err := mapPolicy(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Australia/Sydney", p.Location.String())
	assert.Equal(t, contacttime.Slot{Start: 7, End: 10}, p.Weekday["morning"])
	assert.Len(t, p.Weekday, 1)
	assert.Equal(t, contacttime.Default().Weekend, p.Weekend)
	assert.Equal(t, 21, p.DNDStart)
	assert.False(t, p.NoSunday)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  config.Config
		ok   bool
	}{
		{"empty", config.Config{}, true},
		{"bad timezone", config.Config{Business: config.BusinessConfig{Timezone: "Mars/Base"}}, false},
		{"escalate before raise", config.Config{Automation: config.AutomationConfig{
			Escalation: config.EscalationConfig{RaiseAfter: "48h", EscalateAfter: "24h"},
		}}, false},
		{"engine off under automation", config.Config{TaskEngine: &config.TaskEngineConfig{Enabled: boolPtr(false)}}, false},
		{"engine off, automation off", config.Config{
			Automation: config.AutomationConfig{Enabled: boolPtr(false)},
			TaskEngine: &config.TaskEngineConfig{Enabled: boolPtr(false)},
		}, true},
		{"sqlite without path", config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}}, false},
		{"bad http timeout", config.Config{HTTP: config.HTTPConfig{ReadTimeout: "soon"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validate(&tc.cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := newApp(writeConfig(t, "business:\n  timezone: Nowhere/City\n"), clock.NewFake(monday9))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "business.timezone")
}

func TestNewAppWiresQuoteFlow(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, baseConfig)
	t.Cleanup(a.Close)

	ctx := context.Background()
	sent := monday9
	res, err := a.Router().HandleQuoteEvent(ctx, router.QuoteSent, model.QuoteSnapshot{
		ID:          "q1",
		Status:      model.QuoteSent,
		TotalAmount: 450,
		DateSent:    &sent,
		Client:      model.Client{ID: "c1", Name: "Jane Smith", ContactID: "ghl-1"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Created)
	assert.Equal(t, 1, a.Sequences().ActiveCount("q1"))

	next, ok := a.Tasks().NextForQuote("q1")
	require.True(t, ok)
	assert.Equal(t, sequence.QuoteFollowup, next.Metadata.SequenceID)

	rep := a.health()
	assert.Equal(t, httpapi.StatusOK, rep.Status)
	assert.Equal(t, "memory", rep.Components["storage"])
	assert.Equal(t, 4, rep.Components["tasks"].(tasks.Stats).Pending)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, baseConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	assert.Error(t, a.Start(ctx))

	names := map[string]bool{}
	for _, s := range a.sched.Snapshot() {
		names[s.Name] = true
	}
	assert.True(t, names["overdue.sweep"])
	assert.True(t, names["retention.sweep"])

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.NoError(t, a.Err())
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}

func TestApplyConfigUpdatesLiveComponents(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, baseConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		_ = a.Stop(stopCtx, StopAppStop)
	})

	prev := a.Config()
	next := *prev
	next.Business.Company.Name = "Acme Renovations"
	next.Business.HighValueThreshold = 100
	next.Sequences.PolicyFollowups = true
	next.Automation.Enabled = boolPtr(false)
	require.NoError(t, validate(&next))

	a.applyConfig(ctx, prev, &next)

	assert.Equal(t, "Acme Renovations", a.tpl.Company().Name)
	assert.Empty(t, a.sched.Snapshot(), "disabled automation unregisters its sweeps")

	sent := monday9
	res, err := a.Router().HandleQuoteEvent(ctx, router.QuoteSent, model.QuoteSnapshot{
		ID:          "q2",
		Status:      model.QuoteSent,
		TotalAmount: 450,
		DateSent:    &sent,
		Client:      model.Client{ID: "c2", Name: "Sam Lee", ContactID: "ghl-2"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{sequence.QuoteFollowup, sequence.FollowupHighValue}, res.Started)
}
