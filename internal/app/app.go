// Package app wires the bot together: transport, store, pipeline, command
// surface, keep-alive server, digest and the overrides watcher, all running
// under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"affibot/internal/commands"
	"affibot/internal/config"
	"affibot/internal/digest"
	"affibot/internal/eventbus"
	"affibot/internal/health"
	"affibot/internal/metrics"
	"affibot/internal/pipeline"
	"affibot/internal/rewrite"
	rtsup "affibot/internal/runtime/supervisor"
	"affibot/internal/shorten"
	"affibot/internal/stats"
	"affibot/internal/storage"
	"affibot/internal/transport"
	"affibot/internal/transport/telegram"
	"affibot/pkg/logx"
)

type App struct {
	cfg *config.Config

	log     logx.Logger
	logs    *logx.Service
	logCfg  logx.Config
	bus     eventbus.Bus
	store   storage.Store
	adapter transport.Adapter

	pipe      *pipeline.Pipeline
	cmds      *commands.Handler
	collector *stats.Collector
	digest    *digest.Service
	httpSrv   *health.Server
	overrides *config.OverridesManager

	sup     *rtsup.Supervisor
	updates chan transport.Message
}

func New(cfg *config.Config) (*App, error) {
	logCfg := logx.Config{
		Level:          cfg.Logging.Level,
		Console:        cfg.Logging.Console,
		FilePath:       cfg.Logging.File,
		OperatorMirror: cfg.Logging.Operator,
	}
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))

	metrics.MustRegister()

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	store, err := storage.Open(storage.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
	}, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New()
	collector := stats.New()

	var shortener shorten.Shortener = shorten.Noop{}
	if cfg.Shorten.BitlyToken != "" {
		shortener = shorten.NewBitly(cfg.Shorten.BitlyToken, cfg.Shorten.Timeout)
	}

	rewriter := rewrite.New(cfg.Forwarder.RewriteLevel, rand.NewSource(time.Now().UnixNano()))

	pipe := pipeline.New(pipeline.Params{
		Log:       logSvc.Logger().With(logx.String("comp", "pipeline")),
		Adapter:   adapter,
		Store:     store,
		Shortener: shortener,
		Rewriter:  rewriter,
		Bus:       bus,
		Telegram:  cfg.Telegram,
		Forwarder: cfg.Forwarder,
		HasToken:  cfg.Shorten.BitlyToken != "",
	})

	cmds := commands.New(commands.Deps{
		Log:       logSvc.Logger().With(logx.String("comp", "commands")),
		Cfg:       cfg,
		Store:     store,
		Stats:     collector,
		Bus:       bus,
		StartedAt: time.Now(),
	})

	var httpSrv *health.Server
	if cfg.HTTP.Addr != "" {
		httpSrv = health.New(health.Config{Addr: cfg.HTTP.Addr},
			logSvc.Logger().With(logx.String("comp", "http")))
	}

	dig := digest.New(cfg.Digest.Schedule, cfg.Telegram.AlertUserID, adapter, collector,
		logSvc.Logger().With(logx.String("comp", "digest")))

	var ovr *config.OverridesManager
	if cfg.OverridesFile != "" {
		ovr = config.NewOverridesManager(cfg.OverridesFile,
			logSvc.Logger().With(logx.String("comp", "overrides")))
	}

	return &App{
		cfg:       cfg,
		log:       log,
		logs:      logSvc,
		logCfg:    logCfg,
		bus:       bus,
		store:     store,
		adapter:   adapter,
		pipe:      pipe,
		cmds:      cmds,
		collector: collector,
		digest:    dig,
		httpSrv:   httpSrv,
		overrides: ovr,
		updates:   make(chan transport.Message, 256),
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cmds.SetRuntimeProbe(func() (int64, uint64) {
		c := a.sup.Snapshot()
		return c.Active, c.Started
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	if mu, ok := a.adapter.(transport.CommandMenuUpdater); ok {
		menuCtx, cancel := context.WithTimeout(run, 10*time.Second)
		if err := mu.UpdateMenuCommands(menuCtx, a.cmds.Menu()); err != nil {
			a.log.Warn("command menu push failed", logx.Err(err))
		}
		cancel()
	}

	// Single dispatch worker: the jitter delay doubles as pacing between
	// outbound posts, so messages must not be handled concurrently.
	a.sup.Go("dispatch", func(c context.Context) error {
		return dropCancel(a.dispatchLoop(c))
	})

	a.sup.Go("stats.collect", func(c context.Context) error {
		return dropCancel(a.collector.Run(c, a.bus))
	})

	if a.httpSrv != nil {
		a.sup.GoRestart("http.serve", a.httpSrv.Run,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}

	if a.digest.Enabled() {
		if err := a.digest.Start(run); err != nil {
			return err
		}
	}

	if a.cfg.Logging.Operator {
		a.sup.Go0("log.mirror", func(c context.Context) { a.mirrorLoop(c) })
	}

	if a.overrides != nil {
		if o, err := a.overrides.Load(); err != nil {
			a.log.Warn("overrides load failed, using env config", logx.Err(err))
		} else if o != nil {
			a.applyOverrides(o)
		}
		sub := a.overrides.Subscribe(8)
		a.sup.Go0("overrides.apply", func(c context.Context) {
			defer a.overrides.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return
				case o, ok := <-sub:
					if !ok {
						return
					}
					a.applyOverrides(o)
				}
			}
		})
		a.sup.Go("overrides.watch", func(c context.Context) error {
			return dropCancel(a.overrides.Watch(c))
		})
	}

	a.log.Info("app started",
		logx.Int("sources", len(a.cfg.Telegram.SourceChannels)),
		logx.Int64("target", a.cfg.Telegram.TargetChannel))
	return nil
}

// dispatchLoop routes inbound messages: commands get replies, source-channel
// posts go through the pipeline, everything else is ignored.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-a.updates:
			if !ok {
				return nil
			}
			if reply, handled := a.cmds.Handle(ctx, msg); handled {
				to := transport.ChatTarget{ChatID: msg.ChatID}
				if _, err := a.adapter.SendText(ctx, to, reply, nil); err != nil {
					a.log.Warn("command reply failed", logx.Err(err))
				}
				continue
			}
			if !a.cfg.IsSource(msg.ChatID) {
				continue
			}
			res := a.pipe.Handle(ctx, msg)
			if res.Err != nil && res.Outcome != pipeline.OutcomeDropped {
				a.log.Warn("message not forwarded",
					logx.String("outcome", string(res.Outcome)), logx.Err(res.Err))
			}
		}
	}
}

// mirrorLoop delivers warn+ log lines to the operator chat.
func (a *App) mirrorLoop(ctx context.Context) {
	to := transport.ChatTarget{ChatID: a.cfg.Telegram.AlertUserID}
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-a.logs.OperatorLines():
			if !ok {
				return
			}
			sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, _ = a.adapter.SendText(sendCtx, to, line, nil)
			cancel()
		}
	}
}

func (a *App) applyOverrides(o *config.Overrides) {
	a.pipe.ApplyOverrides(o)
	if o.LogLevel != nil {
		cfg := a.logCfg
		cfg.Level = *o.LogLevel
		a.logs.Apply(cfg)
		a.logCfg = cfg
	}
	a.log.Info("overrides applied")
}

// Stop shuts components down in order, each step bounded so one stuck
// component cannot stall the whole exit.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name))
		}
	}

	step("digest", 2*time.Second, func(c context.Context) error { a.digest.Stop(c); return nil })
	step("adapter", 5*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	err := a.logs.Close()
	return err
}

// dropCancel maps a clean context cancellation to nil so shutdown does not
// count as a fatal goroutine error.
func dropCancel(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
