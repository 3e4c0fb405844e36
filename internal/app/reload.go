package app

import (
	"context"

	"wipush/internal/config"
	logx "wipush/pkg/logx"
)

// reloadLoop applies published configs until ctx ends. Bursts are coalesced
// to the newest config.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					cfg = newer
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

// applyConfig re-applies the sections that can change at runtime. Delivery
// settings only reach the engine when that section changed, so values set
// through the control socket survive unrelated reloads.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	ch := config.Diff(prev, cfg)
	if !ch.Any() {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if ch.Logging {
		a.logs.Apply(mapLoggingConfig(cfg))
	}
	if ch.Delivery {
		rc, err := mapRelayConfig(cfg)
		if err != nil {
			a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
		} else if err := a.loop.Post(ctx, func() { a.engine.Apply(rc) }); err != nil {
			a.log.Warn("delivery config not applied", logx.Err(err))
		}
	}
	if ch.Observability {
		oc, err := mapObservabilityConfig(cfg)
		if err != nil {
			a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
		} else {
			a.obs.Reconfigure(ctx, oc)
		}
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Any("sections", ch.Restart))
	}
	a.log.Info("config reloaded", config.SummaryFields(ch, cfg)...)
}
