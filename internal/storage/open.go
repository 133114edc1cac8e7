package storage

import (
	"context"
	"errors"
	"strings"

	"redeployd/internal/deploy"
	"redeployd/pkg/logx"
)

// Store is the minimal persistence API used by the app and CLI.
type Store interface {
	AppendCycle(ctx context.Context, rep deploy.Report) error
	// RecentCycles returns up to limit reports, newest first.
	RecentCycles(ctx context.Context, limit int) ([]deploy.Report, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ConsecutiveFailures counts failed cycles since the last success,
// newest first. Used for escalating notifications.
func ConsecutiveFailures(ctx context.Context, s Store) (int, error) {
	if s == nil {
		return 0, ErrDisabled
	}
	reps, err := s.RecentCycles(ctx, 50)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range reps {
		if r.Status != deploy.StatusFailed {
			break
		}
		n++
	}
	return n, nil
}
