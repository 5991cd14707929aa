package config

import (
	"reflect"
	"sort"
	"strings"

	logx "quoteflow/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe structured
// attrs for logging. DSNs and contact ids are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Business, newCfg.Business) {
		mark("business",
			logx.String("business.timezone", strings.TrimSpace(newCfg.Business.Timezone)),
			logx.Int("business.weekday_slots", len(newCfg.Business.ContactTimes.Weekdays)),
			logx.Int("business.weekend_slots", len(newCfg.Business.ContactTimes.Weekends)),
			logx.Bool("business.dnd_set", newCfg.Business.DND != nil),
			logx.Float64("business.high_value_threshold", newCfg.Business.HighValueThreshold),
			logx.Bool("business.operator_contact_set", strings.TrimSpace(newCfg.Business.OperatorContact) != ""),
		)
	}

	if oldCfg.Sequences != newCfg.Sequences {
		mark("sequences",
			logx.String("sequences.catalog_file", strings.TrimSpace(newCfg.Sequences.CatalogFile)),
			logx.Bool("sequences.policy_followups", newCfg.Sequences.PolicyFollowups),
		)
	}

	if !reflect.DeepEqual(oldCfg.Automation, newCfg.Automation) {
		a := newCfg.Automation
		mark("automation",
			logx.Bool("automation.enabled", a.Enabled == nil || *a.Enabled),
			logx.String("automation.overdue_sweep", a.OverdueSweep),
			logx.String("automation.dispatch_poll", a.DispatchPoll),
			logx.String("automation.escalation_sweep", a.EscalationSweep),
			logx.String("automation.retention", a.Retention),
			logx.Int("automation.retention_days", a.RetentionDays),
			logx.Int("automation.max_attempts", a.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		enabled := true
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		mark("task_engine",
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
			logx.Bool("task_engine.circuit_breaker", nTE.CircuitBreaker != nil && nTE.CircuitBreaker.Enabled),
		)
	}

	oldN, newN := notifierOrDefault(oldCfg.Notifier), notifierOrDefault(newCfg.Notifier)
	if oldN != newN {
		mark("notifier",
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	if oldCfg.Gateway != newCfg.Gateway {
		mark("gateway", logx.String("gateway.driver", newCfg.Gateway.Driver))
	}
	if oldCfg.Templates != newCfg.Templates {
		mark("templates", logx.String("templates.file", newCfg.Templates.File))
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		mark("http",
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Bool("http.metrics", newCfg.HTTP.Metrics),
		)
	}

	if oldCfg.NATS != newCfg.NATS {
		mark("nats",
			logx.Bool("nats.enabled", newCfg.NATS.Enabled),
			logx.Bool("nats.url_set", strings.TrimSpace(newCfg.NATS.URL) != ""),
			logx.String("nats.subject_prefix", newCfg.NATS.SubjectPrefix),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "storage", "http", "nats", "gateway", "templates":
			out = append(out, c)
		}
	}
	return out
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// DefaultNotifier is the runtime default used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

func notifierOrDefault(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return DefaultNotifier()
	}
	return *n
}
