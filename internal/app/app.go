// Package app wires the daemon: config, logging, storage, posting, queue, publisher,
// notifier, metrics, dispatch loop and the HTTP API, under one supervisor.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"tweetq/internal/auth"
	"tweetq/internal/config"
	"tweetq/internal/dispatch"
	"tweetq/internal/eventbus"
	"tweetq/internal/httpapi"
	"tweetq/internal/metrics"
	"tweetq/internal/notifier"
	"tweetq/internal/posting"
	"tweetq/internal/publish"
	"tweetq/internal/queue"
	"tweetq/internal/runtime/supervisor"
	"tweetq/internal/storage"
	logx "tweetq/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	posting *posting.Manager
	queue   *queue.Queue
	session *auth.Session // nil for the dry-run publisher
	pub     publish.Publisher
	notif   *notifier.Service
	metrics *metrics.Metrics
	coord   *dispatch.Coordinator
	api     *httpapi.Server

	closers []io.Closer
	notify  func(state string) // systemd sd_notify
}

type Option func(*options)

type options struct {
	environ   map[string]string
	publisher publish.Publisher
	sdNotify  func(state string)
	now       func() time.Time
}

// WithEnviron replaces the process environment used for secrets.
func WithEnviron(env map[string]string) Option { return func(o *options) { o.environ = env } }

// WithPublisher replaces the configured publisher.
func WithPublisher(p publish.Publisher) Option { return func(o *options) { o.publisher = p } }

// WithClock replaces the wall clock used for scheduling (tests).
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithSDNotify replaces the systemd notifier (tests).
func WithSDNotify(fn func(state string)) Option { return func(o *options) { o.sdNotify = fn } }

// New loads the config at cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath, config.WithEnviron(o.environ))
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, root := logx.New(cfg.Logging.Settings())
	log := root.Named("app")
	cfgm.SetLogger(root.Named("config"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), notify: o.sdNotify}
	if a.notify == nil {
		a.notify = sdNotify
	}
	ok := false
	defer func() {
		if !ok {
			a.closeAll()
		}
	}()

	sc, err := cfg.Storage.Settings()
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(ctx, sc, root.Named("storage")); err != nil {
		return nil, err
	}
	switch {
	case sc.DSN != "":
		log.Info("storage opened", logx.String("driver", sc.Driver), logx.URL("dsn", sc.DSN))
	case sc.URL != "":
		log.Info("storage opened", logx.String("driver", sc.Driver), logx.URL("url", sc.URL))
	default:
		log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a.posting = posting.NewManager(a.store,
		posting.WithLogger(root.Named("posting")),
		posting.WithBus(a.bus),
		posting.WithClock(o.now),
	)
	if err := a.posting.Load(ctx, cfg.Seed()); err != nil {
		return nil, fmt.Errorf("posting config: %w", err)
	}
	a.queue = queue.New(a.store,
		queue.WithLogger(root.Named("queue")),
		queue.WithBus(a.bus),
		queue.WithClock(o.now),
	)
	if err := a.queue.Load(ctx); err != nil {
		return nil, err
	}

	provider, err := a.buildPublisher(cfg, root, o)
	if err != nil {
		return nil, err
	}

	a.metrics = metrics.New()
	a.metrics.WatchQueue(func() map[string]int {
		out := map[string]int{}
		for st, n := range a.queue.Counts() {
			out[string(st)] = n
		}
		return out
	})
	a.metrics.WatchNextPost(a.posting.NextPostTime)

	if err := a.buildNotifier(cfg, root); err != nil {
		return nil, err
	}

	policy, err := cfg.Dispatch.Settings()
	if err != nil {
		return nil, err
	}
	a.coord = dispatch.New(a.queue, a.posting, a.pub,
		dispatch.WithLogger(root.Named("dispatch")),
		dispatch.WithClock(o.now),
		dispatch.WithPolicy(policy),
		dispatch.WithNotifier(a.notif),
		dispatch.WithObserver(a.metrics),
		dispatch.WithAuth(provider),
		dispatch.WithTick(cfg.Dispatch.TickSpec()),
	)

	if cfg.HTTP.Enabled {
		to, err := cfg.HTTP.Timeouts()
		if err != nil {
			return nil, err
		}
		router := httpapi.NewRouter(httpapi.Deps{
			Queue:      a.queue,
			Posting:    a.posting,
			History:    a.notif,
			Dispatcher: a.coord,
			Metrics:    a.metrics.Handler(),
			Log:        root.Named("http"),
		}, httpapi.RouterOptions{Token: cfg.HTTP.Token, Pprof: cfg.HTTP.Pprof})
		a.api = httpapi.NewServer(httpapi.Config{
			Addr:          cfg.HTTP.ListenAddr(),
			Token:         cfg.HTTP.Token,
			AllowInsecure: cfg.HTTP.AllowInsecure,
			ReadTimeout:   to.Read,
			WriteTimeout:  to.Write,
			IdleTimeout:   to.Idle,
		}, router, root.Named("http"))
	}

	ok = true
	return a, nil
}

func (a *App) buildPublisher(cfg *config.Config, root logx.Logger, o options) (auth.Provider, error) {
	override := o.publisher
	pc, err := cfg.Publish.Settings()
	if err != nil {
		return nil, err
	}
	plog := root.Named("publish")
	if pc.Driver == "dryrun" && override == nil {
		a.pub = publish.NewDryRun(plog)
		a.log.Warn("publish driver is dryrun; nothing will reach the platform")
		return auth.Static{}, nil
	}

	exp, err := cfg.Publish.TokenExpiry()
	if err != nil {
		return nil, err
	}
	a.session = auth.NewSession(cfg.Publish.Token,
		auth.WithExpiry(exp),
		auth.WithClock(o.now),
		auth.WithLogger(root.Named("auth")),
	)
	if !a.session.IsValid() {
		a.log.Warn("no valid publish token; dispatch waits for one (set publish.token or TWEETQ_PUBLISH_TOKEN)")
	}
	if override != nil {
		a.pub = override
		return a.session, nil
	}
	hc, err := publish.NewHTTPClient(pc, publish.WithToken(a.session.Token), publish.WithLogger(plog))
	if err != nil {
		return nil, err
	}
	a.pub = hc
	return a.session, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the HTTP API address once listening, or "".
func (a *App) Addr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

func (a *App) Queue() *queue.Queue                { return a.queue }
func (a *App) Posting() *posting.Manager          { return a.posting }
func (a *App) Coordinator() *dispatch.Coordinator { return a.coord }
func (a *App) Notifier() *notifier.Service        { return a.notif }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
		supervisor.WithRestartHook(a.metrics.ObserveRestart),
	)
	run := a.sup.Context()

	// Lifecycle delivery outlives the run context; Stop's deadline bounds the drain.
	if a.notif.Enabled() {
		a.notif.Start(context.WithoutCancel(ctx))
	}

	if err := a.coord.Recover(run); err != nil {
		a.log.Warn("dispatch recovery failed; the next tick retries", logx.Err(err))
	}
	a.sup.GoRestart("dispatch.run", a.coord.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)

	// Queue edits and posting config changes can make the head eligible sooner.
	events, unsub := a.bus.Subscribe(64, "queue.", "config.posting")
	a.sup.Go0("dispatch.wake", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type))
				a.coord.Wake()
			}
		}
	})
	if a.session != nil {
		a.session.OnRestored(a.coord.Wake)
	}

	if a.api != nil {
		if err := a.api.Start(run); err != nil {
			return err
		}
	}

	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.startWatchdog()

	a.notify(sdReady)
	a.log.Info("app started",
		logx.Int("queued", len(a.queue.List(queue.StatusQueued))),
		logx.Bool("posting_enabled", a.posting.Current().Enabled),
	)
	return nil
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.Changes(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(next.Logging.Settings())

	if ncfg, err := next.NotifierSettings(); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if a.session != nil && (prev == nil || prev.Publish.Token != next.Publish.Token || prev.Publish.TokenExpiresAt != next.Publish.TokenExpiresAt) {
		exp, _ := next.Publish.TokenExpiry()
		if err := a.session.Restore(next.Publish.Token, exp); err != nil {
			a.session.Invalidate("token removed from config")
		}
	}

	var restart []string
	for _, s := range sections {
		if s == "publish" && !publishNeedsRestart(prev, next) {
			continue
		}
		if !config.Live(s) {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// publishNeedsRestart reports publish changes beyond the token, which is applied live.
func publishNeedsRestart(prev, next *config.Config) bool {
	if prev == nil {
		return false
	}
	p, n := prev.Publish, next.Publish
	p.Token, p.TokenExpiresAt = "", ""
	n.Token, n.TokenExpiresAt = "", ""
	return p != n
}

func (a *App) buildNotifier(cfg *config.Config, root logx.Logger) error {
	ncfg, err := cfg.NotifierSettings()
	if err != nil {
		return err
	}
	nlog := root.Named("notifier")
	a.notif = notifier.New(ncfg, nlog, a.bus)
	a.notif.Subscribe(notifier.Log(nlog))
	a.notif.Subscribe(a.metrics.Subscriber())

	subs, closers, err := buildSubscribers(cfg.Notifier)
	a.closers = append(a.closers, closers...)
	if err != nil {
		return err
	}
	for _, s := range subs {
		a.notif.Subscribe(s)
	}
	a.log.Info("notifier ready", logx.Bool("enabled", ncfg.Enabled), logx.Strings("subscribers", a.notif.Subscribers()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	a.notify(sdStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first: the dispatch loop finishes an in-flight publish, then exits.
	a.sup.Cancel()

	step := a.stepper(ctx)
	step("http", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error { a.closeAll(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stepper bounds each shutdown step so one component can't stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			// respect the caller's deadline; never extend it
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			max = time.Millisecond
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	a.closers = nil
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}
