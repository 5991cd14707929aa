package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quoteflow/internal/automation"
	"quoteflow/internal/clock"
	"quoteflow/internal/config"
	"quoteflow/internal/dispatch"
	"quoteflow/internal/eventbus"
	"quoteflow/internal/eventbus/natsbridge"
	"quoteflow/internal/httpapi"
	"quoteflow/internal/jobs/engine"
	"quoteflow/internal/jobs/scheduler"
	"quoteflow/internal/metrics"
	"quoteflow/internal/notifier"
	"quoteflow/internal/quotes"
	"quoteflow/internal/router"
	rtsup "quoteflow/internal/runtime/supervisor"
	"quoteflow/internal/sequence"
	"quoteflow/internal/storage"
	"quoteflow/internal/tasks"
	"quoteflow/internal/templates"
	"quoteflow/internal/transport/logsink"
	logx "quoteflow/pkg/logx"
)

type App struct {
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor
	clock   clock.Clock
	started time.Time

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tasks   *tasks.Store
	catalog *sequence.Catalog
	seq     *sequence.Scheduler
	tpl     *templates.Engine
	quotes  *quotes.Store
	router  *router.Router
	gateway *logsink.Gateway
	notif   *notifier.Service
	disp    *dispatch.Dispatcher
	engine  *engine.Service
	sched   *scheduler.Service
	runner  *automation.Runner
	metrics *metrics.Metrics
	http    *httpapi.Server
}

// NewApp loads cfgPath (after .env) and wires every component. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	return newApp(cfgPath, clock.Real{})
}

func newApp(cfgPath string, clk clock.Clock) (*App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Alerts go through the notifier, which does not exist yet.
	logSvc, log := logx.New(mapLogging(cfg), nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a := &App{cfgm: cfgm, clock: clk, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	sc, _ := mapStorage(cfg)
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}
	a.log.Info("storage opened", logx.String("driver", a.store.Driver()))

	loc, _ := businessLocation(cfg)
	ctx := context.Background()
	if a.tasks, err = tasks.Open(ctx, a.store, tasks.Options{Clock: clk, Bus: a.bus, Log: log, Location: loc}); err != nil {
		return nil, err
	}

	a.catalog = sequence.DefaultCatalog()
	if path := strings.TrimSpace(cfg.Sequences.CatalogFile); path != "" {
		n, err := a.catalog.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("sequences.catalog_file: %w", err)
		}
		a.log.Info("sequence catalog loaded", logx.String("path", path), logx.Int("sequences", n))
	}
	if err := a.catalog.Bind(ctx, a.store); err != nil {
		return nil, err
	}

	if a.tpl, err = templates.New(mapCompany(cfg), templates.Options{Clock: clk, Location: loc}); err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(cfg.Templates.File); path != "" {
		n, err := a.tpl.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("templates.file: %w", err)
		}
		a.log.Info("templates loaded", logx.String("path", path), logx.Int("templates", n))
	}

	policy, _ := mapPolicy(cfg)
	a.seq = sequence.NewScheduler(a.catalog, a.tasks, policy, sequence.Options{
		Clock:              clk,
		Bus:                a.bus,
		Log:                log,
		HighValueThreshold: cfg.Business.HighValueThreshold,
		Render:             a.tpl.RenderFollowup,
	})
	a.quotes = quotes.New(a.store, clk, log)
	a.router = router.New(router.Deps{Scheduler: a.seq, Tasks: a.tasks, Quotes: a.quotes, Bus: a.bus, Log: log, Clock: clk})
	a.router.SetPolicyFollowups(cfg.Sequences.PolicyFollowups)

	if a.gateway, err = logsink.New(cfg.Gateway.Driver, log, clk); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	ncfg, _ := mapNotifier(cfg)
	a.notif = notifier.New(ncfg, notifier.Deps{Gateway: a.gateway, Log: log, Bus: a.bus, Dedup: a.store, Clock: clk})
	logSvc.SetAlertSender(a.notif)

	a.disp = dispatch.New(dispatch.Deps{
		Tasks:     a.tasks,
		Quotes:    a.quotes,
		Templates: a.tpl,
		Gateway:   a.notif.Guard(),
		Bus:       a.bus,
		Log:       log,
	})

	ecfg, _ := mapEngine(cfg)
	a.engine = engine.New(ecfg, log.With(logx.String("comp", "engine")), a.bus)
	sloc, _ := schedulerLocation(cfg)
	a.sched = scheduler.New(a.engine, sloc, log.With(logx.String("comp", "scheduler")))
	acfg, _ := mapAutomation(cfg)
	a.runner = automation.New(automation.Deps{
		Tasks:      a.tasks,
		Dispatcher: a.disp,
		Engine:     a.engine,
		Scheduler:  a.sched,
		Notifier:   a.notif,
		Clock:      clk,
		Log:        log,
	}, acfg)

	a.metrics = metrics.New(a.tasks)
	hcfg, _ := mapHTTP(cfg)
	deps := httpapi.Deps{
		Tasks:      a.tasks,
		Sequences:  a.seq,
		Router:     a.router,
		Quotes:     a.quotes,
		Dispatcher: a.disp,
		Jobs:       a.runner,
		Health:     a.health,
		Clock:      clk,
		Log:        log,
	}
	if cfg.HTTP.Metrics {
		deps.Metrics = a.metrics.Handler()
	}
	a.http = httpapi.New(deps, hcfg)

	ok = true
	return a, nil
}

func (a *App) Config() *config.Config           { return a.cfgm.Get() }
func (a *App) Tasks() *tasks.Store              { return a.tasks }
func (a *App) Sequences() *sequence.Scheduler   { return a.seq }
func (a *App) Router() *router.Router           { return a.router }
func (a *App) Runner() *automation.Runner       { return a.runner }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Gateway() *logsink.Gateway        { return a.gateway }
func (a *App) HTTP() *httpapi.Server            { return a.http }

// Done is closed when the app context ends (Stop or a fatal unit error).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error reported by a supervised unit.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the background services. A failing unit cancels the app.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	cfg := a.cfgm.Get()
	a.started = a.clock.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	runCtx := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.engine.Start(runCtx)
	if err := a.runner.Start(runCtx); err != nil {
		return err
	}
	if cfg.Scheduler.IsEnabled() {
		a.sched.Start()
	} else {
		a.log.Warn("scheduler disabled; automation sweeps only run on demand")
	}

	a.sup.GoRestart("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) },
		rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	if cfg.HTTP.Enabled {
		a.sup.GoRestart("http", a.http.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithMaxRestarts(5),
			rtsup.WithPublishFirstError(true))
	}

	if cfg.NATS.Enabled {
		ncfg := natsbridge.Config{URL: cfg.NATS.URL, Prefix: cfg.NATS.SubjectPrefix}
		a.sup.GoRestart("nats", func(c context.Context) error {
			nc, err := natsbridge.Dial(ncfg, a.log)
			if err != nil {
				return err
			}
			defer nc.Close()
			return natsbridge.New(nc, ncfg.Prefix, a.handleNATSEvent, a.log).Run(c, a.bus)
		}, rtsup.WithRestartBackoff(2*time.Second, time.Minute))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		return a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.log.Info("app started",
		logx.Bool("http", cfg.HTTP.Enabled),
		logx.Bool("nats", cfg.NATS.Enabled),
		logx.Bool("automation", cfg.Automation.Enabled == nil || *cfg.Automation.Enabled),
		logx.Int("tasks", len(a.tasks.All())),
	)
	return nil
}

func (a *App) handleNATSEvent(ctx context.Context, ev natsbridge.QuoteEvent) (any, error) {
	return a.router.HandleQuoteEvent(ctx, ev.Type, ev.Quote, ev.Previous)
}

// Stop shuts the services down in dependency order, each step bounded so a
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Triggers first, then the workers they feed, then the sinks.
	step("automation", time.Second, func(c context.Context) error { a.runner.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.closeStore() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Close releases storage and logging for an app that was never started, as
// used by one-shot CLI commands.
func (a *App) Close() {
	if err := a.closeStore(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}
