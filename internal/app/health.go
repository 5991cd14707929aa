package app

import (
	"time"

	"quoteflow/internal/eventbus"
	"quoteflow/internal/httpapi"
)

// health builds the /healthz body. The app is degraded while a supervised
// unit has failed or a job circuit is open.
func (a *App) health() httpapi.HealthReport {
	now := a.clock.Now()
	rep := httpapi.HealthReport{Status: httpapi.StatusOK, Time: now, Components: map[string]any{}}

	if !a.started.IsZero() {
		rep.Uptime = now.Sub(a.started).Truncate(time.Second).String()
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		rep.Components["supervisor"] = snap
		if snap.FirstError != "" {
			rep.Status = httpapi.StatusDegraded
		}
	}

	es := a.engine.Snapshot()
	es.History = nil
	rep.Components["engine"] = es
	if len(es.CircuitOpen) > 0 {
		rep.Status = httpapi.StatusDegraded
	}

	rep.Components["schedules"] = a.sched.Snapshot()
	rep.Components["automation"] = a.runner.LastRuns()
	rep.Components["tasks"] = a.tasks.Stats()
	rep.Components["notifier"] = map[string]any{
		"enabled":  a.notif.Enabled(),
		"sent":     len(a.notif.History()),
		"lastHour": a.gateway.Since(now.Add(-time.Hour)),
	}
	if a.store != nil {
		rep.Components["storage"] = a.store.Driver()
	}
	if st, ok := a.bus.(eventbus.Stats); ok {
		rep.Components["eventbus"] = map[string]any{"dropped": st.Dropped()}
	}
	return rep
}
