package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"wipush/internal/config"
	"wipush/internal/ctrl"
	"wipush/internal/driver"
	"wipush/internal/eventbus"
	"wipush/internal/observability"
	"wipush/internal/relay"
	"wipush/internal/runtime/eloop"
	"wipush/internal/runtime/supervisor"
	"wipush/internal/storage"
	logx "wipush/pkg/logx"
)

const loopDepth = 1024

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	reg   *prometheus.Registry
	store storage.Store

	loop   *eloop.Loop
	radio  driver.Radio
	engine *relay.Engine
	ctrl   *ctrl.Server
	obs    *observability.Service
}

type Option func(*App)

// WithRadio replaces the radio named in the config.
func WithRadio(r driver.Radio) Option { return func(a *App) { a.radio = r } }

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
		reg:  prometheus.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if a.radio == nil {
		r, err := openRadio(cfg.Interface, log.With(logx.String("comp", "driver")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.radio = r
	}

	// Mapping errors were ruled out by validateMapped.
	relayCfg, _ := mapRelayConfig(cfg)
	ctrlCfg, _ := mapControlConfig(cfg)
	obsCfg, _ := mapObservabilityConfig(cfg)

	a.loop = eloop.New(loopDepth, log.With(logx.String("comp", "eloop")))
	a.engine = relay.New(relayCfg, a.radio, loopScheduler{a.loop},
		relay.WithBus(a.bus),
		relay.WithLogger(log.With(logx.String("comp", "relay"))),
		relay.WithMetrics(relay.NewMetrics(a.reg)),
	)
	a.ctrl = ctrl.NewServer(ctrlCfg, a.engine, a.loop,
		ctrl.WithBus(a.bus),
		ctrl.WithLogger(log.With(logx.String("comp", "ctrl"))),
		ctrl.WithMetrics(ctrl.NewMetrics(a.reg)),
	)
	a.engine.SetTelemetry(a.ctrl)

	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = a.radio.Close()
			_ = logSvc.Close()
			return nil, err
		}
		a.store = st
		a.log.Info("journal enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a.obs = observability.New(obsCfg, a.reg, a.health, log.With(logx.String("comp", "observability")))
	return a, nil
}

// Done is closed when the app stops running, after a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// ControlPath is the control socket's filesystem path.
func (a *App) ControlPath() string { return a.ctrl.Path() }

// Start binds the control socket and starts every component. A bind
// failure is returned and nothing is left running.
func (a *App) Start(ctx context.Context) error {
	if err := a.ctrl.Open(); err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateMapped(cfg) })

	a.sup.Go("eloop", a.loop.Run)
	a.sup.Go("radio", func(c context.Context) error { return a.radio.Run(c, a.engine, a.loop) })
	a.sup.Go("ctrl.serve", a.ctrl.Serve)
	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.log.With(logx.String("comp", "journal")))
		a.sup.GoRestart("journal", rec.Run)
	}
	a.sup.Go("eventbus.log", a.logEvents)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.obs.Start(a.sup.Context())
	a.sup.Go("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("relay started",
		logx.String("socket", a.ctrl.Path()),
		logx.Int("freq", a.radio.Frequency()),
		logx.Bool("journal", a.store != nil),
	)
	return nil
}

// logEvents mirrors bus traffic into the debug log.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

// health backs /healthz. It fails when the event loop does not answer or a
// component has died.
func (a *App) health(ctx context.Context) (any, error) {
	type detail struct {
		Stations   int                 `json:"stations"`
		Queued     int                 `json:"queued"`
		Broadcast  int                 `json:"broadcast"`
		NextMID    uint32              `json:"next_mid"`
		Peer       string              `json:"peer,omitempty"`
		BusDropped uint64              `json:"bus_dropped"`
		Runtime    supervisor.Snapshot `json:"runtime"`
	}
	d := detail{BusDropped: a.bus.Dropped()}
	if a.sup != nil {
		d.Runtime = a.sup.Snapshot()
	}

	type loopState struct {
		stats relay.Stats
		peer  string
	}
	res := make(chan loopState, 1)
	err := a.loop.Post(ctx, func() {
		peer, _ := a.ctrl.Peer()
		res <- loopState{stats: a.engine.Stats(), peer: peer}
	})
	if err == nil {
		select {
		case ls := <-res:
			d.Stations, d.Queued, d.Broadcast, d.NextMID = ls.stats.Stations, ls.stats.Queued, ls.stats.Broadcast, ls.stats.NextMID
			d.Peer = ls.peer
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		return d, fmt.Errorf("event loop: %w", err)
	}
	if d.Runtime.FirstError != "" {
		return d, errors.New(d.Runtime.FirstError)
	}
	return d, nil
}

// Stop shuts everything down, including components of an app whose Start
// failed or never ran.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)
	if a.sup != nil {
		// Free queued messages and station nodes while the loop still runs.
		flushCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := a.loop.Call(flushCtx, func() { a.engine.FlushAll(true) }); err != nil {
			a.log.Warn("final flush skipped", logx.Err(err))
		}
		cancel()
		a.sup.Cancel()
	}

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("ctrl", time.Second, func(context.Context) error { return a.ctrl.Close() })
	step("radio", time.Second, func(context.Context) error { return a.radio.Close() })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
