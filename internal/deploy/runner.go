package deploy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"redeployd/pkg/compose"
	"redeployd/pkg/logx"
	"redeployd/pkg/runlock"
)

// ErrCycleInFlight is returned when a cycle is already running in this
// process (scheduler overlap) or the cross-process lock is held.
var ErrCycleInFlight = errors.New("deploy: cycle already in flight")

// Composer is the compose surface the runner needs. *compose.Client
// satisfies it; tests substitute fakes.
type Composer interface {
	Down(ctx context.Context, removeOrphans bool) ([]byte, error)
	Prune(ctx context.Context, volumes bool) ([]byte, error)
	Build(ctx context.Context, pull bool) ([]byte, error)
	Up(ctx context.Context, opts compose.UpOptions) ([]byte, error)
}

// Config controls how a redeploy cycle is executed.
type Config struct {
	// Prune enables the docker system prune stage.
	Prune bool
	// PruneVolumes extends prune to volumes. Off by default: named volumes
	// usually hold state the redeploy must keep.
	PruneVolumes bool
	// Pull refreshes base images on up/build.
	Pull bool
	// RemoveOrphans passes --remove-orphans to down.
	RemoveOrphans bool
	// SplitBuild runs build as its own stage before up. Otherwise the
	// rebuild is folded into `up --build`.
	SplitBuild bool
	// TolerateMissing treats teardown/prune failures caused by an absent
	// deployment as success. Tearing down nothing must be a no-op.
	TolerateMissing bool

	DownTimeout  time.Duration // default 5m
	PruneTimeout time.Duration // default 5m
	BuildTimeout time.Duration // default 20m
	UpTimeout    time.Duration // default 20m

	// OutputTail bounds the command output kept per stage (bytes, default 4096).
	OutputTail int
}

func (c Config) withDefaults() Config {
	if c.DownTimeout <= 0 {
		c.DownTimeout = 5 * time.Minute
	}
	if c.PruneTimeout <= 0 {
		c.PruneTimeout = 5 * time.Minute
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 20 * time.Minute
	}
	if c.UpTimeout <= 0 {
		c.UpTimeout = 20 * time.Minute
	}
	if c.OutputTail <= 0 {
		c.OutputTail = 4096
	}
	return c
}

// Runner executes redeploy cycles one at a time.
type Runner struct {
	cfg Config
	cli Composer
	log logx.Logger

	lock     *runlock.Lock
	lockWait time.Duration // 0 means try-once

	// in-process overlap guard
	mu      sync.Mutex
	running bool
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLock makes the runner hold an exclusive cross-process lock for the
// duration of each cycle. wait > 0 blocks up to the context deadline,
// polling at that interval; wait == 0 skips when the lock is held.
func WithLock(l *runlock.Lock, wait time.Duration) Option {
	return func(r *Runner) {
		r.lock = l
		r.lockWait = wait
	}
}

func WithLogger(log logx.Logger) Option {
	return func(r *Runner) { r.log = log }
}

func NewRunner(cfg Config, cli Composer, opts ...Option) *Runner {
	r := &Runner{cfg: cfg.withDefaults(), cli: cli, log: logx.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Apply swaps the cycle config. Safe to call between runs.
func (r *Runner) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

// Running reports whether a cycle is in flight in this process.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Run executes one full cycle: down → prune → (build) → up.
//
// The sequence stops at the first failed stage; remaining stages are marked
// skipped and the returned error is a *StageError. A report is returned in
// every case except when the cycle never started (overlap / lock held).
func (r *Runner) Run(ctx context.Context, trigger string) (*Report, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrCycleInFlight
	}
	r.running = true
	cfg := r.cfg
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if r.lock != nil {
		var err error
		if r.lockWait > 0 {
			err = r.lock.Acquire(ctx, r.lockWait)
		} else {
			err = r.lock.TryAcquire()
		}
		// A lock-wait deadline means another cycle held the lock the whole
		// time; classify it the same as a try-once miss.
		if errors.Is(err, runlock.ErrHeld) || errors.Is(err, context.DeadlineExceeded) {
			r.log.Warn("redeploy skipped: another cycle holds the lock",
				logx.String("lock", r.lock.Path()))
			return nil, fmt.Errorf("%w: %s", ErrCycleInFlight, r.lock.Path())
		}
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		defer func() {
			if rerr := r.lock.Release(); rerr != nil {
				r.log.Warn("lock release failed", logx.Err(rerr))
			}
		}()
	}

	started := time.Now()
	rep := &Report{
		ID:      newCycleID(started),
		Trigger: trigger,
		Started: started,
	}
	log := r.log.With(logx.String("cycle", rep.ID))

	// One timestamped line per invocation; the log contract callers rely on.
	log.Info("cycle started",
		logx.String("at", started.Format(time.RFC3339)),
		logx.String("trigger", trigger))

	stages := r.plan(cfg)
	var firstErr error
	for _, st := range stages {
		if firstErr != nil {
			rep.Stages = append(rep.Stages, StageResult{Stage: st.stage, Status: StatusSkipped})
			continue
		}
		res := r.execStage(ctx, cfg, st, log)
		rep.Stages = append(rep.Stages, res)
		if res.Status == StatusFailed {
			firstErr = &StageError{
				Stage:    st.stage,
				ExitCode: res.ExitCode,
				Err:      res.err,
			}
		}
	}

	rep.Finished = time.Now()
	if firstErr != nil {
		rep.Status = StatusFailed
		fs := rep.FailedStage()
		log.Error("cycle failed",
			logx.String("stage", string(fs.Stage)),
			logx.Int("exit_code", fs.ExitCode),
			logx.Duration("took", rep.Took()))
		return rep, firstErr
	}
	rep.Status = StatusOK
	log.Info("cycle finished", logx.Duration("took", rep.Took()))
	return rep, nil
}

type plannedStage struct {
	stage   Stage
	timeout time.Duration
	run     func(ctx context.Context) ([]byte, error)
	// tolerable classifies a failure as a no-op (absent deployment).
	tolerable bool
}

func (r *Runner) plan(cfg Config) []plannedStage {
	stages := []plannedStage{
		{
			stage:     StageDown,
			timeout:   cfg.DownTimeout,
			tolerable: cfg.TolerateMissing,
			run: func(ctx context.Context) ([]byte, error) {
				return r.cli.Down(ctx, cfg.RemoveOrphans)
			},
		},
	}
	if cfg.Prune {
		stages = append(stages, plannedStage{
			stage:     StagePrune,
			timeout:   cfg.PruneTimeout,
			tolerable: cfg.TolerateMissing,
			run: func(ctx context.Context) ([]byte, error) {
				return r.cli.Prune(ctx, cfg.PruneVolumes)
			},
		})
	}
	if cfg.SplitBuild {
		stages = append(stages, plannedStage{
			stage:   StageBuild,
			timeout: cfg.BuildTimeout,
			run: func(ctx context.Context) ([]byte, error) {
				return r.cli.Build(ctx, cfg.Pull)
			},
		})
	}
	stages = append(stages, plannedStage{
		stage:   StageUp,
		timeout: cfg.UpTimeout,
		run: func(ctx context.Context) ([]byte, error) {
			return r.cli.Up(ctx, compose.UpOptions{Build: !cfg.SplitBuild, Pull: cfg.Pull && !cfg.SplitBuild})
		},
	})
	return stages
}

func (r *Runner) execStage(ctx context.Context, cfg Config, st plannedStage, log logx.Logger) StageResult {
	sctx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	start := time.Now()
	out, err := st.run(sctx)
	took := time.Since(start)

	res := StageResult{
		Stage:  st.stage,
		Took:   took,
		Output: tail(string(out), cfg.OutputTail),
	}
	if err == nil {
		res.Status = StatusOK
		log.Debug("stage ok", logx.String("stage", string(st.stage)), logx.Duration("took", took))
		return res
	}

	res.ExitCode = compose.ExitCode(err)
	res.err = err
	if sctx.Err() != nil {
		// Keep both chains reachable: the exec failure and the deadline.
		res.err = fmt.Errorf("timeout after %s: %w", st.timeout, errors.Join(err, sctx.Err()))
	}
	res.Error = res.err.Error()

	if st.tolerable && sctx.Err() == nil && missingDeployment(res.Output) {
		res.Status = StatusTolerated
		log.Debug("stage tolerated (nothing to tear down)",
			logx.String("stage", string(st.stage)))
		return res
	}

	res.Status = StatusFailed
	log.Error("stage failed",
		logx.String("stage", string(st.stage)),
		logx.Int("exit_code", res.ExitCode),
		logx.Duration("took", took),
		logx.String("output", res.Output))
	return res
}

// missingDeployment matches failure output of teardown/prune against an
// absent deployment. Exit-zero no-ops never reach this.
func missingDeployment(out string) bool {
	s := strings.ToLower(out)
	for _, pat := range []string{
		"no such project",
		"no configuration file provided",
		"no container found",
		"nothing found to remove",
	} {
		if strings.Contains(s, pat) {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func newCycleID(t time.Time) string {
	return t.UTC().Format("20060102T150405") + "-" + fmt.Sprintf("%04x", rand.Intn(1<<16))
}
