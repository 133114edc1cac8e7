package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"redeployd/pkg/logx"
)

func TestIntervalFires(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	s := New(Config{Schedule: "20ms"}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("job ran %d times, want >= 2", runs.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOverlappingTickSkipped(t *testing.T) {
	t.Parallel()
	var started atomic.Int32
	release := make(chan struct{})
	s := New(Config{Schedule: "10ms"}, func(ctx context.Context) error {
		started.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give several ticks time to fire while the first job blocks.
	deadline := time.Now().Add(2 * time.Second)
	for started.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if n := started.Load(); n != 1 {
		t.Fatalf("job started %d times while blocked, want 1", n)
	}

	close(release)
	s.Stop(context.Background())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Config{Schedule: "nope"}, func(ctx context.Context) error { return nil }, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
