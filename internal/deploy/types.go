package deploy

import (
	"fmt"
	"time"
)

// Stage identifies one step of a redeploy cycle.
type Stage string

const (
	StageDown  Stage = "down"
	StagePrune Stage = "prune"
	StageBuild Stage = "build"
	StageUp    Stage = "up"
)

// Status is the outcome of a stage or a whole cycle.
type Status string

const (
	StatusOK Status = "ok"
	// StatusTolerated marks a stage that failed in a way the cycle treats
	// as success (e.g. tearing down a deployment that does not exist).
	StatusTolerated Status = "tolerated"
	StatusFailed    Status = "failed"
	// StatusSkipped marks stages after the first failure.
	StatusSkipped Status = "skipped"
)

// StageResult is the typed outcome of one stage.
type StageResult struct {
	Stage    Stage         `json:"stage"`
	Status   Status        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Took     time.Duration `json:"took"`
	// Output is a bounded tail of the command's combined output.
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`

	// err keeps the original error chain for errors.Is/As; Error above is
	// its rendered form for reports.
	err error
}

// Report describes one redeploy cycle.
type Report struct {
	ID       string        `json:"id"`
	Trigger  string        `json:"trigger"` // "manual" | "schedule"
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Status   Status        `json:"status"`
	Stages   []StageResult `json:"stages"`
}

func (r *Report) Took() time.Duration {
	if r == nil || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// FailedStage returns the first failed stage, or nil.
func (r *Report) FailedStage() *StageResult {
	if r == nil {
		return nil
	}
	for i := range r.Stages {
		if r.Stages[i].Status == StatusFailed {
			return &r.Stages[i]
		}
	}
	return nil
}

// StageError reports a failed stage. The cycle stops at the stage it names.
type StageError struct {
	Stage    Stage
	ExitCode int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (exit %d): %v", e.Stage, e.ExitCode, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
