package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SpecKind says how a parsed schedule fires.
type SpecKind int

const (
	SpecCron     SpecKind = iota // cron expression, evaluated by robfig/cron
	SpecInterval                 // fixed ticker period
)

// ParsedSpec is a normalized schedule.
//
// Accepted inputs:
//   - cron expressions: "0 4 * * *", "*/5 * * * *", "@daily"
//   - Go durations: "45m", "2h30m" (fires every period)
//   - daily wall-clock times: "04:00" (fires every day at 04:00)
//
// A "cron:" prefix forces cron parsing; "interval:" or "every:" force
// duration parsing.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "daily"
}

// ParseSchedule normalizes a schedule string into a ParsedSpec.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, errors.New("empty cron expression")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	}

	// Anything with spaces or an @descriptor is cron territory.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	if expr, ok := dailyCron(s); ok {
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "daily"}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval %q must be positive", s)
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"cannot parse schedule %q: want cron (\"0 4 * * *\"), a daily time (\"04:00\") or a duration (\"45m\")", raw)
}

func intervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("bad interval %q: %v", v, err)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval %q must be positive", v)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

// dailyCron turns "HH:MM" into a cron expression firing once a day at that
// wall-clock time. Reports false for anything else, including out-of-range
// hours or minutes, so bad values fall through to the generic error.
func dailyCron(s string) (string, bool) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(mm) != 2 || len(hh) == 0 || len(hh) > 2 {
		return "", false
	}
	if !allDigits(hh) || !allDigits(mm) {
		return "", false
	}
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	if h > 23 || m > 59 {
		return "", false
	}
	return fmt.Sprintf("%d %d * * *", m, h), true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
