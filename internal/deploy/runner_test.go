package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"redeployd/pkg/compose"
	"redeployd/pkg/logx"
	"redeployd/pkg/runlock"
)

// fakeComposer records the stage sequence and fails where told to.
type fakeComposer struct {
	calls  []Stage
	fail   map[Stage]error
	output map[Stage]string
	block  chan struct{} // when set, Up blocks until closed
}

func (f *fakeComposer) result(st Stage) ([]byte, error) {
	f.calls = append(f.calls, st)
	var out []byte
	if s, ok := f.output[st]; ok {
		out = []byte(s)
	}
	if err, ok := f.fail[st]; ok {
		return out, err
	}
	return out, nil
}

func (f *fakeComposer) Down(ctx context.Context, removeOrphans bool) ([]byte, error) {
	return f.result(StageDown)
}
func (f *fakeComposer) Prune(ctx context.Context, volumes bool) ([]byte, error) {
	return f.result(StagePrune)
}
func (f *fakeComposer) Build(ctx context.Context, pull bool) ([]byte, error) {
	return f.result(StageBuild)
}
func (f *fakeComposer) Up(ctx context.Context, opts compose.UpOptions) ([]byte, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result(StageUp)
}

func TestRunFullCycle(t *testing.T) {
	t.Parallel()
	fc := &fakeComposer{}
	r := NewRunner(Config{Prune: true}, fc)

	rep, err := r.Run(context.Background(), "manual")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Status != StatusOK {
		t.Fatalf("Status = %s, want ok", rep.Status)
	}
	want := []Stage{StageDown, StagePrune, StageUp}
	if len(fc.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", fc.calls, want)
	}
	for i := range want {
		if fc.calls[i] != want[i] {
			t.Fatalf("calls[%d] = %s, want %s", i, fc.calls[i], want[i])
		}
	}
	if rep.ID == "" || rep.Trigger != "manual" {
		t.Fatalf("unexpected report identity: %+v", rep)
	}
	if rep.Finished.Before(rep.Started) {
		t.Fatal("finished before started")
	}
}

func TestRunStopsOnFirstFailure(t *testing.T) {
	t.Parallel()
	fc := &fakeComposer{
		fail:   map[Stage]error{StagePrune: errors.New("exit status 1")},
		output: map[Stage]string{StagePrune: "daemon not reachable"},
	}
	r := NewRunner(Config{Prune: true}, fc)

	rep, err := r.Run(context.Background(), "schedule")
	if err == nil {
		t.Fatal("expected error")
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StagePrune {
		t.Fatalf("error = %v, want StageError at prune", err)
	}
	if rep.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", rep.Status)
	}
	// up must not have run
	for _, c := range fc.calls {
		if c == StageUp {
			t.Fatal("up ran after a failed stage")
		}
	}
	last := rep.Stages[len(rep.Stages)-1]
	if last.Stage != StageUp || last.Status != StatusSkipped {
		t.Fatalf("last stage = %+v, want skipped up", last)
	}
	if fs := rep.FailedStage(); fs == nil || fs.Stage != StagePrune {
		t.Fatalf("FailedStage = %+v", fs)
	}
}

func TestRunToleratesMissingDeployment(t *testing.T) {
	t.Parallel()
	fc := &fakeComposer{
		fail:   map[Stage]error{StageDown: errors.New("exit status 1")},
		output: map[Stage]string{StageDown: `no such project: "videopipe"`},
	}
	r := NewRunner(Config{TolerateMissing: true}, fc)

	rep, err := r.Run(context.Background(), "manual")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Status != StatusOK {
		t.Fatalf("Status = %s, want ok", rep.Status)
	}
	if rep.Stages[0].Status != StatusTolerated {
		t.Fatalf("down status = %s, want tolerated", rep.Stages[0].Status)
	}
}

func TestRunFailsWhenNotTolerating(t *testing.T) {
	t.Parallel()
	fc := &fakeComposer{
		fail:   map[Stage]error{StageDown: errors.New("exit status 1")},
		output: map[Stage]string{StageDown: "no such project"},
	}
	r := NewRunner(Config{TolerateMissing: false}, fc)

	if _, err := r.Run(context.Background(), "manual"); err == nil {
		t.Fatal("expected failure with tolerate_missing off")
	}
}

func TestSplitBuildPlansSeparateStage(t *testing.T) {
	t.Parallel()
	fc := &fakeComposer{}
	r := NewRunner(Config{SplitBuild: true}, fc)

	rep, err := r.Run(context.Background(), "manual")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []Stage{StageDown, StageBuild, StageUp}
	if len(rep.Stages) != len(want) {
		t.Fatalf("stages = %+v", rep.Stages)
	}
	for i := range want {
		if rep.Stages[i].Stage != want[i] {
			t.Fatalf("stages[%d] = %s, want %s", i, rep.Stages[i].Stage, want[i])
		}
	}
}

func TestRunInProcessOverlapSkips(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	fc := &fakeComposer{block: block}
	r := NewRunner(Config{}, fc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(context.Background(), "schedule")
	}()

	// Wait until the first cycle reaches the blocking up stage.
	deadline := time.Now().Add(2 * time.Second)
	for !r.Running() {
		if time.Now().After(deadline) {
			t.Fatal("first cycle never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := r.Run(context.Background(), "manual"); !errors.Is(err, ErrCycleInFlight) {
		t.Fatalf("second Run error = %v, want ErrCycleInFlight", err)
	}

	close(block)
	<-done
}

func TestRunLockHeldSkips(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cycle.lock")

	held := runlock.New(path)
	if err := held.TryAcquire(); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer held.Release()

	fc := &fakeComposer{}
	r := NewRunner(Config{}, fc, WithLock(runlock.New(path), 0))

	_, err := r.Run(context.Background(), "manual")
	if !errors.Is(err, ErrCycleInFlight) {
		t.Fatalf("Run error = %v, want ErrCycleInFlight", err)
	}
	if len(fc.calls) != 0 {
		t.Fatalf("stages ran despite held lock: %v", fc.calls)
	}
}

func TestRunReleasesLock(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cycle.lock")

	r := NewRunner(Config{}, &fakeComposer{}, WithLock(runlock.New(path), 0))
	if _, err := r.Run(context.Background(), "manual"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	// Lock must be free again after the cycle.
	if _, err := r.Run(context.Background(), "manual"); err != nil {
		t.Fatalf("second Run: %v", err)
	}
}

func TestCycleStartedLogLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := NewRunner(Config{}, &fakeComposer{}, WithLogger(logx.NewWriter(&buf, "info")))

	for i := 0; i < 2; i++ {
		if _, err := r.Run(context.Background(), "schedule"); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}

	var starts []time.Time
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var rec struct {
			Message string `json:"message"`
			At      string `json:"at"`
		}
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		if rec.Message != "cycle started" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec.At)
		if err != nil {
			t.Fatalf("at field %q is not RFC3339: %v", rec.At, err)
		}
		starts = append(starts, ts)
	}
	if len(starts) != 2 {
		t.Fatalf("got %d cycle started lines, want 2", len(starts))
	}
	if starts[1].Before(starts[0]) {
		t.Fatalf("cycle started lines out of order: %v then %v", starts[0], starts[1])
	}
}

func TestStageErrorUnwrapsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("exit status 18")
	fc := &fakeComposer{
		fail:   map[Stage]error{StageDown: cause},
		output: map[Stage]string{StageDown: "daemon not reachable"},
	}
	r := NewRunner(Config{}, fc)

	_, err := r.Run(context.Background(), "manual")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("error %v does not unwrap to the stage's cause", err)
	}
}

func TestStageTimeoutSurfacesDeadline(t *testing.T) {
	t.Parallel()
	fc := &fakeComposer{block: make(chan struct{})} // never closed
	r := NewRunner(Config{UpTimeout: 50 * time.Millisecond}, fc)

	rep, err := r.Run(context.Background(), "manual")
	if err == nil {
		t.Fatal("expected timeout failure")
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageUp {
		t.Fatalf("error = %v, want StageError at up", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error %v does not unwrap to context.DeadlineExceeded", err)
	}
	if fs := rep.FailedStage(); fs == nil || fs.Error == "" {
		t.Fatalf("FailedStage = %+v, want rendered timeout error", fs)
	}
}

func TestRunLockWaitTimeoutSkips(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cycle.lock")

	held := runlock.New(path)
	if err := held.TryAcquire(); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer held.Release()

	fc := &fakeComposer{}
	r := NewRunner(Config{}, fc, WithLock(runlock.New(path), 10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, "manual")
	if !errors.Is(err, ErrCycleInFlight) {
		t.Fatalf("Run error = %v, want ErrCycleInFlight after lock wait timeout", err)
	}
	if len(fc.calls) != 0 {
		t.Fatalf("stages ran despite held lock: %v", fc.calls)
	}
}

func TestMissingDeploymentPatterns(t *testing.T) {
	t.Parallel()
	tests := []struct {
		out  string
		want bool
	}{
		{"no such project: app", true},
		{"No Configuration File provided", true},
		{"Total reclaimed space: 0B\nnothing found to remove", true},
		{"permission denied while trying to connect", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := missingDeployment(tt.out); got != tt.want {
			t.Fatalf("missingDeployment(%q) = %v, want %v", tt.out, got, tt.want)
		}
	}
}

func TestTailBounds(t *testing.T) {
	t.Parallel()
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	got := tail(string(long), 10)
	if len(got) != 13 { // "..." + 10
		t.Fatalf("tail length = %d, want 13", len(got))
	}
	if got[:3] != "..." {
		t.Fatalf("tail prefix = %q", got[:3])
	}
	if tail("short", 10) != "short" {
		t.Fatal("short output must pass through")
	}
}
