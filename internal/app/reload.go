package app

import (
	"context"
	"strings"

	"quoteflow/internal/config"
	logx "quoteflow/pkg/logx"
)

// reloadLoop applies committed configs until ctx ends. Bursts of writes are
// coalesced so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) error {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig pushes the live-reloadable sections into the running
// components. next has already passed validate.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if policy, err := mapPolicy(next); err != nil {
		a.log.Warn("invalid business config; keeping previous", logx.Err(err))
	} else {
		a.seq.SetResolver(policy)
	}
	a.seq.SetHighValueThreshold(next.Business.HighValueThreshold)
	a.tpl.SetCompany(mapCompany(next))

	a.router.SetPolicyFollowups(next.Sequences.PolicyFollowups)
	if path := strings.TrimSpace(next.Sequences.CatalogFile); path != "" && path != strings.TrimSpace(prev.Sequences.CatalogFile) {
		if n, err := a.catalog.LoadFile(path); err != nil {
			a.log.Warn("sequence catalog reload failed", logx.String("path", path), logx.Err(err))
		} else {
			a.log.Info("sequence catalog reloaded", logx.String("path", path), logx.Int("sequences", n))
			if err := a.catalog.Bind(ctx, a.store); err != nil {
				a.log.Warn("sequence settings rebind failed", logx.Err(err))
			}
		}
	}

	runCtx := a.sup.Context()
	if ncfg, err := mapNotifier(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case !was && ncfg.Enabled:
			a.notif.Start(runCtx)
		case was && !ncfg.Enabled:
			a.notif.Stop(ctx)
		}
	}

	if ecfg, err := mapEngine(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(runCtx, ecfg)
	}

	if loc, err := schedulerLocation(next); err != nil {
		a.log.Warn("invalid scheduler timezone; keeping previous", logx.Err(err))
	} else {
		a.sched.SetLocation(loc)
	}
	switch was, now := prev.Scheduler.IsEnabled(), next.Scheduler.IsEnabled(); {
	case !was && now:
		a.sched.Start()
	case was && !now:
		a.sched.Stop(ctx)
	}

	if acfg, err := mapAutomation(next); err != nil {
		a.log.Warn("invalid automation config; keeping previous", logx.Err(err))
	} else if err := a.runner.Apply(runCtx, acfg); err != nil {
		a.log.Warn("automation reload failed", logx.Err(err))
	}
}
