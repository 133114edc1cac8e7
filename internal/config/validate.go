package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ParseDurationField parses raw as a non-negative Go duration; empty means
// zero. field names the config key for error messages.
func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// Validate checks required fields and duration syntax. It does not touch
// the filesystem or the network; existence checks belong to preflight.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Project.ComposeFile) == "" {
		return errors.New("project.compose_file is required")
	}

	durations := []struct{ path, raw string }{
		{"stages.down_timeout", c.Stages.DownTimeout},
		{"stages.prune_timeout", c.Stages.PruneTimeout},
		{"stages.build_timeout", c.Stages.BuildTimeout},
		{"stages.up_timeout", c.Stages.UpTimeout},
		{"schedule.jitter", c.Schedule.Jitter},
		{"lock.wait", c.Lock.Wait},
	}
	if c.Notify != nil {
		durations = append(durations,
			struct{ path, raw string }{"notify.retry_base", c.Notify.RetryBase},
			struct{ path, raw string }{"notify.retry_max_delay", c.Notify.RetryMaxDelay},
			struct{ path, raw string }{"notify.dedup_window", c.Notify.DedupWindow},
		)
	}
	if c.Storage != nil {
		durations = append(durations,
			struct{ path, raw string }{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Notify != nil && c.Notify.Enabled {
		if strings.TrimSpace(c.Notify.Telegram.Token) == "" {
			return errors.New("notify.telegram.token is required when notify is enabled")
		}
		if c.Notify.Telegram.ChatID == 0 {
			return errors.New("notify.telegram.chat_id is required when notify is enabled")
		}
	}
	if c.Logging.Telegram.Enabled && (c.Notify == nil || !c.Notify.Enabled) {
		return errors.New("logging.telegram requires notify.telegram to be configured")
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver %q is not one of none/file/sqlite", c.Storage.Driver)
		}
	}
	return nil
}

// LockPath resolves the effective lock file path.
func (c *Config) LockPath() string {
	if p := strings.TrimSpace(c.Lock.Path); p != "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.Project.ComposeFile), ".redeployd.lock")
}

// Workdir resolves the effective working directory for docker invocations.
func (c *Config) Workdir() string {
	if d := strings.TrimSpace(c.Project.Workdir); d != "" {
		return d
	}
	return filepath.Dir(c.Project.ComposeFile)
}
