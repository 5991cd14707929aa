package app

import (
	"fmt"
	"strings"
	"time"

	"quoteflow/internal/automation"
	"quoteflow/internal/config"
	"quoteflow/internal/contacttime"
	"quoteflow/internal/httpapi"
	"quoteflow/internal/jobs/engine"
	"quoteflow/internal/notifier"
	"quoteflow/internal/storage"
	"quoteflow/internal/tasks"
	"quoteflow/internal/templates"
	logx "quoteflow/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// businessLocation is business.timezone.
func businessLocation(cfg *config.Config) (*time.Location, error) {
	loc, err := loadLocation(cfg.Business.Timezone)
	if err != nil {
		return nil, fmt.Errorf("business.timezone: %w", err)
	}
	return loc, nil
}

// schedulerLocation is scheduler.timezone, falling back to business.timezone.
func schedulerLocation(cfg *config.Config) (*time.Location, error) {
	if strings.TrimSpace(cfg.Scheduler.Timezone) == "" {
		return businessLocation(cfg)
	}
	loc, err := loadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// mapPolicy overlays the business section on the stock contact-time policy.
// Configured slot maps replace the stock profile for that day type.
func mapPolicy(cfg *config.Config) (contacttime.Policy, error) {
	p := contacttime.Default()
	loc, err := businessLocation(cfg)
	if err != nil {
		return p, err
	}
	p.Location = loc

	slots := func(in map[string]config.HourRange) map[string]contacttime.Slot {
		out := make(map[string]contacttime.Slot, len(in))
		for name, r := range in {
			out[strings.ToLower(strings.TrimSpace(name))] = contacttime.Slot{Start: r.Start, End: r.End}
		}
		return out
	}
	if ct := cfg.Business.ContactTimes; len(ct.Weekdays) > 0 {
		p.Weekday = slots(ct.Weekdays)
	}
	if ct := cfg.Business.ContactTimes; len(ct.Weekends) > 0 {
		p.Weekend = slots(ct.Weekends)
	}
	if d := cfg.Business.DND; d != nil {
		p.DNDStart, p.DNDEnd, p.NoSunday = d.Start, d.End, d.NoSunday
	}
	return p, nil
}

func mapCompany(cfg *config.Config) templates.Company {
	c := cfg.Business.Company
	return templates.Company{
		Name:         c.Name,
		Owner:        c.Owner,
		Phone:        c.Phone,
		Email:        c.Email,
		Address:      c.Address,
		ABN:          c.ABN,
		QuoteURL:     c.QuoteURL,
		BookingURL:   c.BookingURL,
		ReviewURL:    c.ReviewURL,
		DiscountCode: c.DiscountCode,
	}
}

func mapAutomation(cfg *config.Config) (automation.Config, error) {
	a := cfg.Automation
	out := automation.Config{
		Enabled:       a.Enabled == nil || *a.Enabled,
		Retention:     strings.TrimSpace(a.Retention),
		RetentionDays: a.RetentionDays,
		MaxAttempts:   a.MaxAttempts,
		NotifyManager: a.Escalation.NotifyManager,
	}
	def := tasks.DefaultRules()
	var err error
	for _, f := range []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"automation.overdue_sweep", a.OverdueSweep, 0, &out.OverdueEvery},
		{"automation.dispatch_poll", a.DispatchPoll, 0, &out.DispatchEvery},
		{"automation.escalation_sweep", a.EscalationSweep, 0, &out.EscalationEvery},
		{"automation.escalation.raise_after", a.Escalation.RaiseAfter, def.RaiseAfter, &out.Rules.RaiseAfter},
		{"automation.escalation.escalate_after", a.Escalation.EscalateAfter, def.EscalateAfter, &out.Rules.EscalateAfter},
	} {
		if *f.dst, err = config.ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return automation.Config{}, err
		}
	}
	if out.Rules.EscalateAfter < out.Rules.RaiseAfter {
		return automation.Config{}, fmt.Errorf("automation.escalation: escalate_after (%s) must not be shorter than raise_after (%s)", out.Rules.EscalateAfter, out.Rules.RaiseAfter)
	}
	if te := cfg.TaskEngine; te != nil {
		if out.JobTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			return automation.Config{}, err
		}
	}
	return out, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size and history_size must be >= 0")
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	out.RetryMax = te.RetryMax
	if te.RetryMax < 0 {
		out.RetryMax = -1
	}

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if cb := te.CircuitBreaker; cb != nil {
		if !cb.Enabled {
			out.CircuitTripFailures = -1
		} else {
			out.CircuitTripFailures = cb.Threshold
			if out.CircuitBaseDelay, err = config.ParseDurationField("task_engine.circuit_breaker.cooldown", cb.Cooldown); err != nil {
				return engine.Config{}, err
			}
		}
	}
	if (cfg.Automation.Enabled == nil || *cfg.Automation.Enabled) && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while automation.enabled is true")
	}
	return out, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		Operator:        strings.TrimSpace(cfg.Business.OperatorContact),
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, time.Minute); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// mapStorage returns the storage config; an omitted section is the memory store.
func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	out := httpapi.Config{Addr: strings.TrimSpace(cfg.HTTP.Addr), Pprof: cfg.HTTP.Pprof}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// validate is the reload gate: a config that fails here is never applied.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapPolicy(cfg); err != nil {
		return err
	}
	if _, err := schedulerLocation(cfg); err != nil {
		return err
	}
	if _, err := mapAutomation(cfg); err != nil {
		return err
	}
	if _, err := mapEngine(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	_, err := mapHTTP(cfg)
	return err
}
