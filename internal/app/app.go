// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tubewatch/internal/auth"
	"tubewatch/internal/config"
	"tubewatch/internal/dedup"
	"tubewatch/internal/eventbus"
	"tubewatch/internal/executor"
	"tubewatch/internal/notify"
	"tubewatch/internal/provider"
	"tubewatch/internal/registry"
	"tubewatch/internal/schedule"
	"tubewatch/internal/storage"
	"tubewatch/internal/tasks"
	"tubewatch/internal/translate"
	"tubewatch/pkg/logx"
)

const defaultUTCOffsetHours = 8

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	db       *storage.DB
	bus      eventbus.Bus
	authMgr  *auth.Manager
	engine   *executor.Engine
	reg      *registry.Registry
	tasksSvc *tasks.Service
	notifier *notify.Service
	cron     *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full service graph from the config file at path.
func New(configPath string) (*App, error) {
	cfgMgr := config.NewManager(configPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log)

	a := &App{cfgMgr: cfgMgr, logSvc: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	db, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, a.log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.db = db
	a.bus = eventbus.New()

	policy, err := schedule.ParseMonthlyDayPolicy(cfg.Scheduler.MonthlyDayPolicy)
	if err != nil {
		return err
	}
	offset := defaultUTCOffsetHours
	if cfg.Scheduler.UTCOffsetHours != nil {
		offset = *cfg.Scheduler.UTCOffsetHours
	}
	calc := schedule.NewCalculator(offset, policy)

	refreshLead, err := config.ParseDurationOrDefault("auth.refresh_lead", cfg.Auth.RefreshLead, 5*time.Minute)
	if err != nil {
		return err
	}
	cacheTTL, err := config.ParseDurationOrDefault("auth.cache_ttl", cfg.Auth.CacheTTL, time.Minute)
	if err != nil {
		return err
	}
	a.authMgr = auth.NewManager(db, auth.NewHTTPRefresher(),
		auth.Options{RefreshLead: refreshLead, CacheTTL: cacheTTL}, a.log)

	retryBase, err := config.ParseDurationOrDefault("search.retry_base", cfg.Search.RetryBase, 2*time.Second)
	if err != nil {
		return err
	}
	userID := cfg.Search.UserID
	if userID == "" {
		userID = "default"
	}
	a.engine = executor.New(db, a.authMgr, provider.NewYouTube(a.log), dedup.NewFilter(db), a.bus,
		executor.Options{UserID: userID, RetryMax: cfg.Search.RetryMax, RetryBase: retryBase}, a.log)

	tickEvery, err := config.ParseDurationOrDefault("scheduler.tick_every", cfg.Scheduler.TickEvery, time.Second)
	if err != nil {
		return err
	}
	a.reg = registry.New(db, a.engine, calc, registry.Options{
		TickEvery: tickEvery,
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
	}, a.log)

	a.tasksSvc = tasks.New(db, a.reg, a.engine, calc, a.log)

	if cfg.Notify.Enabled {
		if err := a.buildNotifier(cfg); err != nil {
			return err
		}
	}
	return a.buildHousekeeping(cfg, calc)
}

func (a *App) buildNotifier(cfg *config.Config) error {
	webhook := cfg.Notify.WebhookURL
	if webhook == "" {
		webhook = os.Getenv("TUBEWATCH_WEBHOOK_URL")
	}
	if webhook == "" {
		return fmt.Errorf("notify enabled but no webhook url configured")
	}
	retryBase, err := config.ParseDurationOrDefault("notify.retry_base", cfg.Notify.RetryBase, time.Second)
	if err != nil {
		return err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notify.retry_max_delay", cfg.Notify.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return err
	}
	sender := notify.NewFeishuSender(webhook, cfg.Notify.MaxItems)
	a.notifier = notify.New(a.bus, sender, notify.Options{
		Workers:       cfg.Notify.Workers,
		QueueSize:     cfg.Notify.QueueSize,
		RatePerSec:    float64(cfg.Notify.RatePerSec),
		RetryMax:      cfg.Notify.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, a.log)
	return nil
}

// buildHousekeeping schedules the internal maintenance jobs: proactive
// credential refresh, execution history pruning, and the optional
// translation backfill.
func (a *App) buildHousekeeping(cfg *config.Config, calc *schedule.Calculator) error {
	c := cron.New(cron.WithLocation(calc.Location()))
	log := a.log.With(logx.String("component", "housekeeping"))

	sweepSpec := cfg.Housekeep.RefreshSweep
	if sweepSpec == "" {
		sweepSpec = "*/30 * * * *"
	}
	if _, err := c.AddFunc(sweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		users, err := a.db.ActiveCredentialUsers(ctx)
		if err != nil {
			log.Error("list credential users", logx.Err(err))
			return
		}
		a.authMgr.RefreshExpiring(ctx, users)
	}); err != nil {
		return fmt.Errorf("housekeeping.refresh_sweep: %w", err)
	}

	pruneSpec := cfg.Housekeep.Prune
	if pruneSpec == "" {
		pruneSpec = "0 4 * * *"
	}
	pruneKeep, err := config.ParseDurationOrDefault("housekeeping.prune_keep", cfg.Housekeep.PruneKeep, 90*24*time.Hour)
	if err != nil {
		return err
	}
	if _, err := c.AddFunc(pruneSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		n, err := a.db.PruneExecutions(ctx, time.Now().UTC().Add(-pruneKeep))
		if err != nil {
			log.Error("prune executions", logx.Err(err))
			return
		}
		if n > 0 {
			log.Info("execution history pruned", logx.Int64("deleted", n))
		}
	}); err != nil {
		return fmt.Errorf("housekeeping.prune: %w", err)
	}

	if cfg.Translate.Enabled {
		if cfg.Translate.Endpoint == "" {
			return fmt.Errorf("translate enabled but no endpoint configured")
		}
		backfill := translate.NewBackfill(a.db,
			translate.NewHTTPTranslator(cfg.Translate.Endpoint),
			cfg.Translate.TargetLang, cfg.Translate.BatchSize, a.log)
		translateSpec := cfg.Housekeep.TranslateEvery
		if translateSpec == "" {
			translateSpec = "@every 10m"
		}
		if _, err := c.AddFunc(translateSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := backfill.Run(ctx); err != nil {
				log.Error("translation backfill", logx.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("housekeeping.translate_every: %w", err)
		}
	}

	a.cron = c
	return nil
}

// Start brings the services up and re-arms persisted tasks.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.reg.Start(runCtx)
	if a.notifier != nil {
		a.notifier.Start(runCtx)
	}
	a.cron.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(runCtx)
	}()

	updates := a.cfgMgr.Subscribe(2)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				// Only logging is applied live; everything else needs a restart.
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config reloaded", logx.String("level", cfg.Logging.Level))
			}
		}
	}()

	if err := a.tasksSvc.RestoreArmed(ctx); err != nil {
		return fmt.Errorf("restore armed tasks: %w", err)
	}
	a.log.Info("tubewatch started")
	return nil
}

// Stop drains the services in reverse dependency order.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	var firstErr error
	if err := a.reg.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.notifier != nil {
		if err := a.notifier.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.wg.Wait()
	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("tubewatch stopped")
	_ = a.logSvc.Close()
	return firstErr
}

// Tasks exposes the management surface.
func (a *App) Tasks() *tasks.Service { return a.tasksSvc }

// Auth exposes the credential manager.
func (a *App) Auth() *auth.Manager { return a.authMgr }
