package app

import (
	"time"

	"redeployd/internal/config"
	"redeployd/internal/deploy"
	"redeployd/internal/notify"
	"redeployd/internal/scheduler"
	"redeployd/internal/storage"
	"redeployd/pkg/logx"
)

// Mapping helpers from the persisted config schema to runtime configs.
// Kept together so schema drift shows up in one place.

func logxConfig(c *config.Config) logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled:    c.Logging.File.Enabled,
			Path:       c.Logging.File.Path,
			MaxSizeMB:  c.Logging.File.MaxSizeMB,
			MaxBackups: c.Logging.File.MaxBackups,
			MaxAgeDays: c.Logging.File.MaxAgeDays,
			Compress:   c.Logging.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    c.Logging.Telegram.Enabled,
			MinLevel:   c.Logging.Telegram.MinLevel,
			RatePerSec: c.Logging.Telegram.RatePerSec,
		},
	}
}

func deployConfig(c *config.Config) (deploy.Config, error) {
	down, err := config.ParseDurationField("stages.down_timeout", c.Stages.DownTimeout)
	if err != nil {
		return deploy.Config{}, err
	}
	prune, err := config.ParseDurationField("stages.prune_timeout", c.Stages.PruneTimeout)
	if err != nil {
		return deploy.Config{}, err
	}
	build, err := config.ParseDurationField("stages.build_timeout", c.Stages.BuildTimeout)
	if err != nil {
		return deploy.Config{}, err
	}
	up, err := config.ParseDurationField("stages.up_timeout", c.Stages.UpTimeout)
	if err != nil {
		return deploy.Config{}, err
	}
	return deploy.Config{
		Prune:           c.Stages.PruneEnabled(),
		PruneVolumes:    c.Stages.PruneVolumes,
		Pull:            c.Stages.Pull,
		RemoveOrphans:   c.Stages.RemoveOrphans,
		SplitBuild:      c.Stages.SplitBuild,
		TolerateMissing: c.Stages.TolerateMissingEnabled(),
		DownTimeout:     down,
		PruneTimeout:    prune,
		BuildTimeout:    build,
		UpTimeout:       up,
		OutputTail:      c.Stages.OutputTail,
	}, nil
}

func notifyConfig(c *config.Config) notify.Config {
	n := c.Notify
	if n == nil {
		return notify.Config{}
	}
	retryBase, _ := config.ParseDurationField("notify.retry_base", n.RetryBase)
	retryMaxDelay, _ := config.ParseDurationField("notify.retry_max_delay", n.RetryMaxDelay)
	dedupWindow, _ := config.ParseDurationField("notify.dedup_window", n.DedupWindow)
	return notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
		NotifySuccess:   n.NotifySuccess,
	}
}

func storageConfig(c *config.Config) storage.Config {
	s := c.Storage
	if s == nil {
		return storage.Config{}
	}
	busy, _ := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	return storage.Config{
		Driver:      s.Driver,
		Path:        s.Path,
		BusyTimeout: busy,
		KeepCycles:  s.KeepCycles,
	}
}

func scheduleConfig(c *config.Config) (scheduler.Config, error) {
	jitter, err := config.ParseDurationField("schedule.jitter", c.Schedule.Jitter)
	if err != nil {
		return scheduler.Config{}, err
	}
	spec := c.Schedule.Spec
	if spec == "" {
		// Daily rebuild, same cadence the cron wrapper ran at.
		spec = "@daily"
	}
	return scheduler.Config{
		Schedule: spec,
		Timezone: c.Schedule.Timezone,
		Jitter:   jitter,
	}, nil
}

func lockWait(c *config.Config) time.Duration {
	d, _ := config.ParseDurationField("lock.wait", c.Lock.Wait)
	return d
}
