// Package app wires redeployd's services together: config, logging,
// compose client, cycle runner, history store, notifier, scheduler and
// systemd integration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"redeployd/internal/adapters/telegram"
	"redeployd/internal/config"
	"redeployd/internal/deploy"
	"redeployd/internal/notify"
	"redeployd/internal/runtime/supervisor"
	"redeployd/internal/scheduler"
	"redeployd/internal/storage"
	"redeployd/pkg/compose"
	"redeployd/pkg/logx"
	"redeployd/pkg/runlock"
)

type App struct {
	cfgPath string
	mgr     *config.Manager

	logs *logx.Service
	log  logx.Logger

	cli    *compose.Client
	runner *deploy.Runner
	store  storage.Store
	notif  *notify.Service
	sched  *scheduler.Service
	sup    *supervisor.Supervisor
}

// Option customizes App construction.
type Option func(*buildOptions)

type buildOptions struct {
	sender notify.Sender
}

// WithSender substitutes the outbound message sender. Tests use it to
// capture notifications without a Telegram client.
func WithSender(s notify.Sender) Option {
	return func(o *buildOptions) { o.sender = s }
}

// New loads the config and constructs all services. Nothing is started yet.
func New(cfgPath string, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, o := range opts {
		o(&bo)
	}

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Sender first: both the notifier and the log sink use it.
	notifSender := bo.sender
	if notifSender == nil && cfg.Notify != nil && cfg.Notify.Enabled {
		bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
		adapter, err := telegram.New(telegram.Config{
			Token:    cfg.Notify.Telegram.Token,
			ChatID:   cfg.Notify.Telegram.ChatID,
			ThreadID: cfg.Notify.Telegram.ThreadID,
		}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		notifSender = adapter
	}

	var logSender logx.Sender
	if notifSender != nil {
		logSender = notifSender
	}
	logs, log := logx.New(logxConfig(cfg), logSender)
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	cli, err := compose.New(compose.Options{
		Bin:     cfg.Project.DockerBin,
		File:    cfg.Project.ComposeFile,
		Project: cfg.Project.Name,
		Dir:     cfg.Workdir(),
	})
	if err != nil {
		return nil, err
	}

	dcfg, err := deployConfig(cfg)
	if err != nil {
		return nil, err
	}
	runner := deploy.NewRunner(dcfg, cli,
		deploy.WithLock(runlock.New(cfg.LockPath()), lockWait(cfg)),
		deploy.WithLogger(log.With(logx.String("comp", "deploy"))),
	)

	store, err := storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	notif := notify.New(notifyConfig(cfg), notifSender, log.With(logx.String("comp", "notify")))

	a := &App{
		cfgPath: cfgPath,
		mgr:     mgr,
		logs:    logs,
		log:     log,
		cli:     cli,
		runner:  runner,
		store:   store,
		notif:   notif,
	}

	scfg, err := scheduleConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(scfg, a.scheduledCycle, log.With(logx.String("comp", "schedule")))
	if err := a.sched.Validate(scfg); err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}

	// Reject config edits that would not survive an apply.
	mgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		if _, err := deployConfig(c); err != nil {
			return err
		}
		sc, err := scheduleConfig(c)
		if err != nil {
			return err
		}
		return a.sched.Validate(sc)
	})

	return a, nil
}

func (a *App) Logger() logx.Logger       { return a.log }
func (a *App) Store() storage.Store     { return a.store }
func (a *App) Compose() *compose.Client { return a.cli }

// RunOnce executes a single redeploy cycle, persists the report and emits
// notifications. This is the `run` subcommand and every scheduled tick.
func (a *App) RunOnce(ctx context.Context, trigger string) (*deploy.Report, error) {
	rep, err := a.runner.Run(ctx, trigger)
	if rep != nil {
		a.afterCycle(ctx, rep)
	}
	return rep, err
}

func (a *App) afterCycle(ctx context.Context, rep *deploy.Report) {
	if a.store != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.store.AppendCycle(sctx, *rep); err != nil {
			a.log.Warn("cycle history append failed", logx.Err(err))
		}
		cancel()
	}

	if !a.notif.Enabled() {
		return
	}
	switch rep.Status {
	case deploy.StatusFailed:
		fs := rep.FailedStage()
		text := fmt.Sprintf("redeploy %s failed at stage %s (exit %d) after %s",
			rep.ID, fs.Stage, fs.ExitCode, rep.Took().Round(time.Second))
		if fs.Output != "" {
			text += "\n" + fs.Output
		}
		prio := 5
		if n, err := storage.ConsecutiveFailures(ctx, a.store); err == nil && n >= 3 {
			prio = 8
			text += fmt.Sprintf("\n%d consecutive failures", n)
		}
		if err := a.notif.Notify(ctx, notify.Notification{
			Priority: prio,
			Text:     text,
			DedupKey: "cycle-failed:" + string(fs.Stage),
		}); err != nil {
			a.log.Warn("failure notification not delivered", logx.Err(err))
		}
	case deploy.StatusOK:
		if a.notif.NotifySuccess() {
			if err := a.notif.Notify(ctx, notify.Notification{
				Priority: 1,
				Text:     fmt.Sprintf("redeploy %s finished in %s", rep.ID, rep.Took().Round(time.Second)),
			}); err != nil {
				a.log.Warn("success notification not delivered", logx.Err(err))
			}
		}
	}
}

// StartNotifier launches the notification delivery workers. One-shot
// commands call it around RunOnce; RunDaemon starts it itself.
func (a *App) StartNotifier(ctx context.Context) { a.notif.Start(ctx) }

// StopNotifier drains queued notifications, bounded by ctx.
func (a *App) StopNotifier(ctx context.Context) { a.notif.Stop(ctx) }

// scheduledCycle adapts RunOnce for the scheduler: an overlapping cycle is
// a skip, not a failure.
func (a *App) scheduledCycle(ctx context.Context) error {
	_, err := a.RunOnce(ctx, "schedule")
	if errors.Is(err, deploy.ErrCycleInFlight) {
		return nil
	}
	return err
}

// RunDaemon runs the scheduled mode until ctx is canceled.
func (a *App) RunDaemon(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.notif.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.GoRestart("config.watch", a.mgr.Watch)
	a.sup.Go0("config.apply", a.applyLoop)
	a.sup.Go0("log.rotate", a.rotateOnSignal)

	// systemd integration is inert when NOTIFY_SOCKET is absent.
	if ok, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	if interval, err := sd.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					_, _ = sd.SdNotify(false, sd.SdNotifyWatchdog)
				}
			}
		})
	}

	a.log.Info("daemon started",
		logx.String("config", a.cfgPath),
		logx.String("compose_file", a.mgr.Get().Project.ComposeFile))

	<-ctx.Done()
	return a.shutdown()
}

func (a *App) shutdown() error {
	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a.sched.Stop(stopCtx)
	a.notif.Stop(stopCtx)
	err := a.sup.Stop(stopCtx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("shutdown finished with error", logx.Err(err))
	}
	a.Close()
	a.log.Info("daemon stopped")
	return nil
}

// applyLoop re-applies dynamic config sections on hot reload.
//
// Project, lock and storage changes need a restart; everything else
// (logging, stages, schedule, notify) applies live.
func (a *App) applyLoop(ctx context.Context) {
	sub := a.mgr.Subscribe(4)
	defer a.mgr.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logs.Apply(logxConfig(cfg))
			a.notif.Apply(notifyConfig(cfg))

			if dcfg, err := deployConfig(cfg); err == nil {
				a.runner.Apply(dcfg)
			} else {
				a.log.Warn("stages config not applied", logx.Err(err))
			}
			if scfg, err := scheduleConfig(cfg); err == nil {
				if err := a.sched.Apply(ctx, scfg); err != nil {
					a.log.Warn("schedule config not applied", logx.Err(err))
				}
			}

			a.log.Info("config applied")
		}
	}
}

// rotateOnSignal rotates the file log on SIGHUP, for logrotate setups that
// prefer signaling over lumberjack's size-based rotation.
func (a *App) rotateOnSignal(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := a.logs.Rotate(); err != nil {
				a.log.Warn("log rotation failed", logx.Err(err))
			} else {
				a.log.Info("log rotated")
			}
		}
	}
}

// Close releases resources held outside the supervisor.
func (a *App) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
