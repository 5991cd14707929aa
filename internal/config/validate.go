package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values that the strict decoder cannot: enums, hour ranges,
// durations and timezones. Cron expressions are checked by the scheduler.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	add(validateTimezone("business.timezone", cfg.Business.Timezone))
	add(validateTimezone("scheduler.timezone", cfg.Scheduler.Timezone))
	for name, r := range cfg.Business.ContactTimes.Weekdays {
		add(validateRange("business.contact_times.weekdays."+name, r))
	}
	for name, r := range cfg.Business.ContactTimes.Weekends {
		add(validateRange("business.contact_times.weekends."+name, r))
	}
	if d := cfg.Business.DND; d != nil {
		add(validateHour("business.dnd.start", d.Start))
		add(validateHour("business.dnd.end", d.End))
	}
	if cfg.Business.HighValueThreshold < 0 {
		add(errors.New("business.high_value_threshold must be >= 0"))
	}

	a := cfg.Automation
	for path, raw := range map[string]string{
		"automation.overdue_sweep":             a.OverdueSweep,
		"automation.dispatch_poll":             a.DispatchPoll,
		"automation.escalation_sweep":          a.EscalationSweep,
		"automation.escalation.raise_after":    a.Escalation.RaiseAfter,
		"automation.escalation.escalate_after": a.Escalation.EscalateAfter,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if a.RetentionDays < 0 {
		add(errors.New("automation.retention_days must be >= 0"))
	}
	if a.MaxAttempts < 0 {
		add(errors.New("automation.max_attempts must be >= 0"))
	}

	if te := cfg.TaskEngine; te != nil {
		_, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		add(err)
		_, err = ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
		add(err)
		if cb := te.CircuitBreaker; cb != nil {
			_, err = ParseDurationField("task_engine.circuit_breaker.cooldown", cb.Cooldown)
			add(err)
		}
	}

	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Driver)) {
	case "", "log", "discard":
	default:
		add(fmt.Errorf("gateway.driver: unknown driver %q", cfg.Gateway.Driver))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required when storage.driver=sqlite"))
			}
		case "postgres", "postgresql":
			if strings.TrimSpace(s.DSN) == "" {
				add(errors.New("storage.dsn is required when storage.driver=postgres"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	_, err := ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	add(err)
	_, err = ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	add(err)

	if cfg.NATS.Enabled && strings.TrimSpace(cfg.NATS.URL) == "" {
		add(errors.New("nats.url is required when nats.enabled=true"))
	}

	return errors.Join(errs...)
}

func validateTimezone(path, tz string) error {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func validateHour(path string, h int) error {
	if h < 0 || h > 23 {
		return fmt.Errorf("%s: hour must be in [0,23], got %d", path, h)
	}
	return nil
}

func validateRange(path string, r HourRange) error {
	if err := validateHour(path+".start", r.Start); err != nil {
		return err
	}
	if r.End < 0 || r.End > 24 {
		return fmt.Errorf("%s.end: hour must be in [0,24], got %d", path, r.End)
	}
	if r.End == r.Start {
		return fmt.Errorf("%s: empty range", path)
	}
	return nil
}
