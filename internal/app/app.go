// Package app assembles the dispatch daemon from its configuration and owns
// the lifecycle of every long-running component.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/actions"
	"dispatchd/internal/campaign"
	"dispatchd/internal/chat"
	"dispatchd/internal/config"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/followup"
	"dispatchd/internal/httpapi"
	"dispatchd/internal/inbound"
	"dispatchd/internal/metrics"
	"dispatchd/internal/queue"
	"dispatchd/internal/ratelimit"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/storage"
	"dispatchd/internal/transport"
	"dispatchd/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type options struct {
	offline bool
	logCfg  *logx.Config
}

type Option func(*options)

// Offline builds the app without platform adapters or a classifier. Admin
// commands use it to work on the store without reaching any platform.
func Offline() Option { return func(o *options) { o.offline = true } }

// WithLogging overrides the logging section of the config file.
func WithLogging(cfg logx.Config) Option { return func(o *options) { o.logCfg = &cfg } }

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	opts options

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	reg     *transport.Registry
	pollers []transport.Poller
	updates chan transport.Inbound

	gate      *ratelimit.Gate
	timers    *followup.Scheduler
	queue     *queue.Queue
	sends     *queue.SendScheduler
	actions   *actions.Engine
	inbound   *inbound.Processor
	campaigns *campaign.Service
	metrics   *metrics.Metrics
	http      *httpapi.Server
}

func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Alerts go out through a bot adapter that does not exist yet: start with
	// the alert sink disabled and apply the final config once it is wired.
	logCfg := mapLogging(cfg)
	if o.logCfg != nil {
		logCfg = *o.logCfg
	}
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, log := logx.NewService(bootCfg, nil)

	a := &App{
		cfgm:    cfgm,
		opts:    o,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		reg:     transport.NewRegistry(),
		updates: make(chan transport.Inbound, 256),
	}
	if err := a.build(ctx, cfg, log); err != nil {
		if a.db != nil {
			_ = a.db.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	if cfg.Logging.Alert.Enabled && !o.offline {
		logSvc.SetAlerter(a.reg.Alerter(cfg.Logging.Alert.Bot, cfg.Logging.Alert.ChatID))
		logSvc.Apply(logCfg)
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	db, err := storage.Open(ctx, mapStorage(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.db = db
	a.log.Info("storage ready", logx.String("dialect", db.Dialect()))

	if !a.opts.offline {
		for _, b := range cfg.Bots {
			ad, poller, err := buildAdapter(b, log)
			if err != nil {
				return err
			}
			a.reg.Register(b.ID, ad)
			if poller != nil {
				a.pollers = append(a.pollers, poller)
			}
		}
	}

	qcfg, err := mapQueue(cfg)
	if err != nil {
		return err
	}
	a.gate = ratelimit.NewGate(mapRateLimit(cfg), db, log)
	a.timers = followup.New(log)
	a.queue = queue.New(qcfg, db, log)
	a.sends = queue.NewSendScheduler(a.gate, a.timers, log)
	a.actions = actions.New(mapActions(cfg), db, a.sends, a.reg, a.timers, a.bus, log)

	var classifier inbound.Classifier
	if !a.opts.offline && strings.TrimSpace(cfg.Classifier.APIKey) != "" {
		c, err := inbound.NewOpenAI(mapClassifier(cfg))
		if err != nil {
			return err
		}
		classifier = c
	} else if !a.opts.offline {
		a.log.Warn("classifier api key not set; inbound messages get the fallback reply")
	}
	a.inbound = inbound.NewProcessor(botDirectory(cfg), db, db, classifier, a.actions, a.bus, log)

	a.campaigns = campaign.NewService(campaign.ServiceConfig{
		DefaultBot: cfg.DefaultBot,
		Timezone:   cfg.Queue.Timezone,
	}, db, a.queue, a.bus, log)
	worker := campaign.NewWorker(campaign.WorkerConfig{DefaultBot: cfg.DefaultBot}, db, a.reg, a.gate, a.bus, log)
	a.queue.Handle(campaign.JobName, worker.Handle)

	deps := httpapi.Deps{
		Campaigns: a.campaigns,
		Inbound:   a.inbound,
		Queue:     a.queue,
		SendStats: a.sends.Stats,
		Ping:      db.Ping,
		Pprof:     cfg.HTTP.Pprof,
		Log:       log,
	}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(metrics.Sources{
			Queue:    a.queue.Stats,
			Jobs:     a.queue.Counts,
			Send:     a.sends.Stats,
			Gate:     a.gate.Stats,
			FollowUp: a.timers.Stats,
		})
		deps.Metrics = a.metrics.Handler()
		deps.MetricsPath = cfg.Metrics.Path
		deps.Instrument = a.metrics.Middleware
		deps.OnInbound = func(platform string, res inbound.Result) {
			a.metrics.ObserveInbound(platform, res.Intent)
		}
	}
	a.http = httpapi.NewServer(httpapi.NewRouter(deps), log)
	return nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Campaigns() *campaign.Service { return a.campaigns }

func (a *App) Queue() *queue.Queue { return a.queue }

func (a *App) Inbound() *inbound.Processor { return a.inbound }

// HTTPAddr is the bound API address while running.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Ping checks the store; the systemd watchdog is fed only while it passes.
func (a *App) Ping(ctx context.Context) error { return a.db.Ping(ctx) }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
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

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.queue.Start(run); err != nil {
		return err
	}
	if n, err := a.campaigns.SyncSchedules(run); err != nil {
		a.log.Warn("schedule sync failed", logx.Err(err))
	} else {
		a.log.Info("schedules synced", logx.Int("active", n))
	}

	// The listener is bound before Start returns so a bad address fails
	// startup instead of the first request.
	srvCfg := mapServer(cfg)
	if err := a.http.Start(srvCfg); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	a.sup.Go("http", func(c context.Context) error { return a.http.Run(c, srvCfg) })

	for _, p := range a.pollers {
		if err := p.Start(run, a.updates); err != nil {
			return err
		}
	}
	if len(a.pollers) > 0 {
		a.sup.Go0("inbound.dispatch", a.dispatchInbound)
	}

	if amqpCfg, ok := mapBroadcast(cfg); ok {
		relay := eventbus.NewAMQPRelay(amqpCfg, a.bus, a.log)
		a.sup.GoRestart("eventbus.amqp", relay.Run, time.Second, 30*time.Second)
	}
	if a.metrics != nil {
		a.sup.Go("metrics.events", func(c context.Context) error { return a.metrics.WatchEvents(c, a.bus) })
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.String("tenant", e.Tenant))
			}
		}
	})

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapQueue(cfg)
		return err
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("http", a.http.Addr()),
		logx.Int("bots", len(a.reg.Bots())),
		logx.Int("pollers", len(a.pollers)))
	return nil
}

// applyConfig pushes the live-reloadable sections to running components.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, fields := config.Summarize(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if pending := config.NeedsRestart(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}

	logCfg := mapLogging(next)
	if a.opts.logCfg != nil {
		logCfg = *a.opts.logCfg
	}
	if next.Logging.Alert.Enabled {
		a.logs.SetAlerter(a.reg.Alerter(next.Logging.Alert.Bot, next.Logging.Alert.ChatID))
	}
	a.logs.Apply(logCfg)
	a.gate.SetConfig(mapRateLimit(next))

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

// inboundWorkers bounds concurrent classifier round trips.
const inboundWorkers = 8

// dispatchInbound feeds polled messages into the pipeline and pushes the
// reply back to the sender.
func (a *App) dispatchInbound(ctx context.Context) {
	sem := make(chan struct{}, inboundWorkers)
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-a.updates:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func() {
				defer func() { <-sem }()
				a.handleInbound(ctx, in)
			}()
		}
	}
}

func (a *App) handleInbound(ctx context.Context, in transport.Inbound) {
	res := a.inbound.Process(ctx, inbound.Request{
		BotID:             in.BotID,
		Platform:          in.Platform,
		UserID:            in.UserID,
		DisplayName:       in.DisplayName,
		Type:              in.Type,
		Text:              in.Text,
		AttachmentURL:     in.AttachmentURL,
		PlatformMessageID: in.PlatformMessageID,
	})
	if a.metrics != nil {
		a.metrics.ObserveInbound(in.Platform, res.Intent)
	}
	if res.Intent == inbound.IntentDuplicate || strings.TrimSpace(res.Reply) == "" {
		return
	}
	if _, err := a.reg.Push(ctx, in.BotID, in.UserID, chat.Outbound{Type: chat.TypeText, Text: res.Reply}); err != nil {
		a.log.Warn("reply push failed",
			logx.String("bot", in.BotID),
			logx.String("user", in.UserID),
			logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the
	// rest; it never extends the caller's deadline.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		start := time.Now()
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("pollers", 3*time.Second, func(c context.Context) error {
		var errs []error
		for _, p := range a.pollers {
			errs = append(errs, p.Stop(c))
		}
		return errors.Join(errs...)
	})
	step("queue", 5*time.Second, a.queue.Stop)
	step("followup", 2*time.Second, a.timers.Close)
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.close()
}

func (a *App) close() error {
	if a.timers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = a.timers.Close(ctx)
		cancel()
	}
	var err error
	if a.db != nil {
		err = a.db.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
