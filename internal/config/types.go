package config

// Config is the full redeployd configuration. JSON and YAML are accepted;
// YAML is coerced to JSON and decoded strictly (unknown fields rejected).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Project  ProjectConfig  `json:"project"`
	Stages   StagesConfig   `json:"stages,omitempty"`
	Schedule ScheduleConfig `json:"schedule,omitempty"`
	Lock     LockConfig     `json:"lock,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
	Notify   *NotifyConfig  `json:"notify,omitempty"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

// ProjectConfig names the compose project under management.
type ProjectConfig struct {
	// ComposeFile is the compose file path. Required.
	ComposeFile string `json:"compose_file"`
	// Name overrides the compose project name (-p).
	Name string `json:"name,omitempty"`
	// Workdir is the working directory for docker invocations.
	// Default: the compose file's directory.
	Workdir string `json:"workdir,omitempty"`
	// DockerBin overrides the docker binary. Default "docker".
	DockerBin string `json:"docker_bin,omitempty"`
}

// StagesConfig controls the cycle stages.
//
// Defaults mirror the cron script this tool replaces: prune on,
// tolerate_missing on, volumes/pull/orphans off.
type StagesConfig struct {
	Prune           *bool `json:"prune,omitempty"`
	PruneVolumes    bool  `json:"prune_volumes,omitempty"`
	Pull            bool  `json:"pull,omitempty"`
	RemoveOrphans   bool  `json:"remove_orphans,omitempty"`
	SplitBuild      bool  `json:"split_build,omitempty"`
	TolerateMissing *bool `json:"tolerate_missing,omitempty"`

	DownTimeout  string `json:"down_timeout,omitempty"`  // default "5m"
	PruneTimeout string `json:"prune_timeout,omitempty"` // default "5m"
	BuildTimeout string `json:"build_timeout,omitempty"` // default "20m"
	UpTimeout    string `json:"up_timeout,omitempty"`    // default "20m"

	// OutputTail bounds captured command output per stage (bytes).
	OutputTail int `json:"output_tail,omitempty"`
}

// PruneEnabled applies the default (true) when the field is omitted.
func (s StagesConfig) PruneEnabled() bool {
	return s.Prune == nil || *s.Prune
}

// TolerateMissingEnabled applies the default (true) when omitted.
func (s StagesConfig) TolerateMissingEnabled() bool {
	return s.TolerateMissing == nil || *s.TolerateMissing
}

// ScheduleConfig controls daemon-mode triggering.
type ScheduleConfig struct {
	// Spec accepts cron ("0 4 * * *", "@daily"), interval durations
	// ("6h"), daily wall-clock times ("04:00" runs every day at 04:00),
	// and "cron:"/"interval:" prefixes.
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Jitter   string `json:"jitter,omitempty"`
}

// LockConfig controls the cross-process cycle lock.
type LockConfig struct {
	// Path of the lock file. Default: ".redeployd.lock" next to the
	// compose file.
	Path string `json:"path,omitempty"`
	// Wait is the poll interval while waiting for a held lock.
	// Empty or "0s" means skip instead of waiting.
	Wait string `json:"wait,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level,omitempty"` // default "info"
	Console  *bool             `json:"console,omitempty"`
	File     FileLogConfig     `json:"file,omitempty"`
	Telegram TelegramLogConfig `json:"telegram,omitempty"`
}

// ConsoleEnabled applies the default (true) when omitted.
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// FileLogConfig is the rotating JSON log sink.
type FileLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`  // default 50
	MaxBackups int    `json:"max_backups,omitempty"`  // default 5
	MaxAgeDays int    `json:"max_age_days,omitempty"` // 0 keeps all backups
	Compress   bool   `json:"compress,omitempty"`
}

// TelegramLogConfig mirrors log lines above a level into the ops chat.
type TelegramLogConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"` // default "warn"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// NotifyConfig controls cycle notifications.
type NotifyConfig struct {
	Enabled bool `json:"enabled"`

	Telegram TelegramTarget `json:"telegram"`

	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`

	// NotifySuccess also reports successful cycles.
	NotifySuccess bool `json:"notify_success,omitempty"`
}

// TelegramTarget is the destination chat for notifications.
type TelegramTarget struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StorageConfig controls cycle-history persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./redeployd_history" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	KeepCycles  int    `json:"keep_cycles,omitempty"`  // default 500
}
