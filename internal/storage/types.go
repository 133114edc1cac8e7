package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures cycle-history storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// KeepCycles bounds retained history (oldest pruned first). 0 means 500.
	KeepCycles int
}

func (c Config) withDefaults() Config {
	if c.KeepCycles <= 0 {
		c.KeepCycles = 500
	}
	return c
}
