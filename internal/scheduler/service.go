// Package scheduler triggers redeploy cycles on a cron or interval schedule.
//
// It drives exactly one job. Overlap policy is skip: a tick that fires while
// a cycle is still running is dropped, never queued.
package scheduler

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"redeployd/pkg/logx"
)

// Config controls the trigger.
type Config struct {
	// Schedule accepts cron specs, durations, HH:MM; see ParseSchedule.
	Schedule string
	// Timezone is an IANA TZ for cron evaluation, e.g. "Europe/Madrid".
	// Empty means local time.
	Timezone string
	// Jitter delays each trigger by a random amount in [0, Jitter) so a
	// fleet of daemons does not rebuild in lockstep.
	Jitter time.Duration
}

// Job is the scheduled work. A non-nil error is logged, never retried here;
// retry-on-next-tick is the whole point of a scheduled redeploy.
type Job func(ctx context.Context) error

type Service struct {
	log    logx.Logger
	parser cron.Parser
	job    Job

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	ticker  *time.Ticker
	stopCh  chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool // a tick's job is in flight
	wg      sync.WaitGroup
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	return &Service{
		cfg: cfg,
		job: job,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks a config without applying it.
func (s *Service) Validate(cfg Config) error {
	ps, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return err
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return err
		}
	}
	return nil
}

// Apply swaps the schedule. A running service restarts its trigger when the
// schedule or timezone changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	changed := s.cfg.Schedule != cfg.Schedule || s.cfg.Timezone != cfg.Timezone
	wasRunning := s.stopCh != nil
	s.cfg = cfg
	s.mu.Unlock()

	if changed && wasRunning {
		s.Stop(ctx)
		return s.Start(ctx)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}

	ps, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}

	s.stopCh = make(chan struct{})
	s.runCtx, s.cancel = context.WithCancel(ctx)

	switch ps.Kind {
	case SpecCron:
		loc := time.Local
		if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
			if l, err := time.LoadLocation(tz); err == nil {
				loc = l
			} else {
				s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
			}
		}
		s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
		if _, err := s.c.AddFunc(ps.Cron, s.fire); err != nil {
			s.c = nil
			close(s.stopCh)
			s.stopCh = nil
			s.cancel()
			return err
		}
		s.c.Start()
		s.log.Info("schedule armed",
			logx.String("cron", ps.Cron), logx.String("tz", loc.String()),
			logx.Time("next", s.c.Entries()[0].Schedule.Next(time.Now().In(loc))))
	case SpecInterval:
		s.ticker = time.NewTicker(ps.Every)
		stopCh := s.stopCh
		ticker := s.ticker
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-stopCh:
					return
				case <-ticker.C:
					s.fire()
				}
			}
		}()
		s.log.Info("schedule armed", logx.Duration("every", ps.Every))
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	c := s.c
	ticker := s.ticker
	cancel := s.cancel
	s.stopCh = nil
	s.c = nil
	s.ticker = nil
	s.cancel = nil
	s.mu.Unlock()

	close(stopCh)
	if ticker != nil {
		ticker.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// fire runs one tick. Overlapping ticks are skipped.
func (s *Service) fire() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("tick skipped: previous cycle still running")
		return
	}
	s.running = true
	ctx := s.runCtx
	jitter := s.cfg.Jitter
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if ctx == nil || ctx.Err() != nil {
		return
	}

	if jitter > 0 {
		wait := time.Duration(rand.Int63n(int64(jitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	if err := s.job(ctx); err != nil {
		s.log.Error("scheduled cycle failed", logx.Err(err))
	}
}
