package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// captureSender records every delivered notification.
type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSender) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func TestRunOnceDeliversFailureNotification(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "redeployd.yaml")

	// docker_bin "false" makes every stage exit 1, so the cycle fails at
	// down without docker installed.
	cfg := fmt.Sprintf(`project:
  compose_file: %q
  docker_bin: "false"
stages:
  prune: false
  tolerate_missing: false
logging:
  level: error
notify:
  enabled: true
  rate_per_sec: 100
  telegram:
    token: "123:abc"
    chat_id: 1
`, filepath.Join(dir, "docker-compose.yml"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	sender := &captureSender{}
	a, err := New(cfgPath, WithSender(sender))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	a.StartNotifier(ctx)

	if _, err := a.RunOnce(ctx, "manual"); err == nil {
		t.Fatal("expected the cycle to fail")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.StopNotifier(drainCtx)
	cancel()

	got := sender.sent()
	if len(got) != 1 {
		t.Fatalf("sent %d notifications, want 1: %v", len(got), got)
	}
	if !strings.Contains(got[0], "failed at stage down") {
		t.Fatalf("notification %q does not name the failed stage", got[0])
	}
}
