package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "redeployd.yaml", `
project:
  compose_file: /srv/videopipe/docker-compose.yml
  name: videopipe
stages:
  prune: true
  remove_orphans: true
  up_timeout: 30m
schedule:
  spec: "0 4 * * *"
  timezone: Europe/Madrid
logging:
  level: debug
  file:
    enabled: true
    path: /var/log/redeployd/redeployd.log
    max_size_mb: 20
storage:
  driver: file
  path: /var/lib/redeployd/history
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project.ComposeFile != "/srv/videopipe/docker-compose.yml" {
		t.Fatalf("compose_file = %q", cfg.Project.ComposeFile)
	}
	if cfg.Schedule.Spec != "0 4 * * *" || cfg.Schedule.Timezone != "Europe/Madrid" {
		t.Fatalf("schedule = %+v", cfg.Schedule)
	}
	if !cfg.Stages.PruneEnabled() || !cfg.Stages.RemoveOrphans {
		t.Fatalf("stages = %+v", cfg.Stages)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Logging.File.MaxSizeMB != 20 {
		t.Fatalf("max_size_mb = %d", cfg.Logging.File.MaxSizeMB)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "redeployd.json", `{
  "project": {"compose_file": "./docker-compose.yml"}
}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Omitted sections fall back to defaults.
	if !cfg.Stages.PruneEnabled() {
		t.Fatal("prune should default to enabled")
	}
	if !cfg.Stages.TolerateMissingEnabled() {
		t.Fatal("tolerate_missing should default to enabled")
	}
	if !cfg.Logging.ConsoleEnabled() {
		t.Fatal("console should default to enabled")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "redeployd.yaml", `
project:
  compose_file: ./docker-compose.yml
  typo_field: true
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "redeployd.json",
		`{"project": {"compose_file": "a.yml"}}{"project": {"compose_file": "b.yml"}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantSub string
	}{
		{
			name:    "missing compose file",
			cfg:     Config{},
			wantSub: "compose_file",
		},
		{
			name: "bad duration",
			cfg: Config{
				Project: ProjectConfig{ComposeFile: "a.yml"},
				Stages:  StagesConfig{UpTimeout: "soon"},
			},
			wantSub: "up_timeout",
		},
		{
			name: "notify without token",
			cfg: Config{
				Project: ProjectConfig{ComposeFile: "a.yml"},
				Notify:  &NotifyConfig{Enabled: true},
			},
			wantSub: "token",
		},
		{
			name: "unknown storage driver",
			cfg: Config{
				Project: ProjectConfig{ComposeFile: "a.yml"},
				Storage: &StorageConfig{Driver: "postgres"},
			},
			wantSub: "storage.driver",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestLockPathDefaultsNextToComposeFile(t *testing.T) {
	t.Parallel()
	cfg := Config{Project: ProjectConfig{ComposeFile: "/srv/app/docker-compose.yml"}}
	if got := cfg.LockPath(); got != "/srv/app/.redeployd.lock" {
		t.Fatalf("LockPath = %q", got)
	}
	cfg.Lock.Path = "/run/redeployd.lock"
	if got := cfg.LockPath(); got != "/run/redeployd.lock" {
		t.Fatalf("LockPath override = %q", got)
	}
}

func TestWorkdirDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{Project: ProjectConfig{ComposeFile: "/srv/app/docker-compose.yml"}}
	if got := cfg.Workdir(); got != "/srv/app" {
		t.Fatalf("Workdir = %q", got)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 5m "); err != nil || d.Minutes() != 5 {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
}
