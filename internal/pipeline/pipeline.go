// Package pipeline runs an ordered list of named stages against the
// target system, halting on the first unrecovered failure. State is read
// from the live system through each stage's probes, never from a local
// store; that is what keeps re-runs cheap.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kvistgaard/modelup/internal/tools"
)

// Probe is a side-effect-free query against the live system.
type Probe func(ctx context.Context) (bool, error)

// Action performs the stage's one external operation.
type Action func(ctx context.Context) error

// Stage is one unit of the deployment pipeline. Probe, when set and true,
// skips the stage. Verify, when set, checks the effect after a successful
// action; a mismatch is surfaced as a warning, not a failure.
type Stage struct {
	Name       string
	Idempotent bool
	Probe      Probe
	Action     Action
	Verify     Probe
}

type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// StageOutcome records one stage's terminal state within a run.
type StageOutcome struct {
	Stage      string
	Status     Status
	Diagnostic string
	// Unverified is set when the action succeeded but the postcondition
	// probe did not confirm the effect.
	Unverified bool
}

// StageError is the fatal failure of one stage; it aborts the run.
type StageError struct {
	Stage      string
	Diagnostic string
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %q failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result is the ordered outcome list of one run. Failed is nil when every
// stage either succeeded or was skipped.
type Result struct {
	RunID    string
	Outcomes []StageOutcome
	Failed   *StageError
}

type Runner struct {
	log zerolog.Logger
}

func NewRunner(log zerolog.Logger) *Runner {
	return &Runner{log: log.With().Str("component", "pipeline").Logger()}
}

// Run executes stages strictly in order. A stage starts only after the
// previous stage's action returned a terminal status. On the first failed
// action the run aborts; remaining stages never execute.
func (r *Runner) Run(ctx context.Context, stages []Stage) (Result, error) {
	result := Result{RunID: uuid.NewString()}
	log := r.log.With().Str("run_id", result.RunID).Logger()

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			stageErr := &StageError{Stage: stage.Name, Diagnostic: err.Error(), Err: err}
			result.Outcomes = append(result.Outcomes, StageOutcome{
				Stage:      stage.Name,
				Status:     StatusFailed,
				Diagnostic: err.Error(),
			})
			result.Failed = stageErr
			return result, stageErr
		}

		slog := log.With().Str("stage", stage.Name).Logger()

		if stage.Probe != nil {
			done, err := stage.Probe(ctx)
			if err != nil {
				// A broken probe must not skip real work; fall through to
				// the action.
				slog.Warn().Err(err).Msg("precondition probe failed, running action")
			} else if done {
				slog.Info().Msg("already satisfied, skipping")
				result.Outcomes = append(result.Outcomes, StageOutcome{
					Stage:  stage.Name,
					Status: StatusSkipped,
				})
				continue
			}
		}

		slog.Info().Msg("executing stage")
		if err := stage.Action(ctx); err != nil {
			diag := diagnosticOf(err)
			slog.Error().Err(err).Msg("stage failed, aborting run")
			stageErr := &StageError{Stage: stage.Name, Diagnostic: diag, Err: err}
			result.Outcomes = append(result.Outcomes, StageOutcome{
				Stage:      stage.Name,
				Status:     StatusFailed,
				Diagnostic: diag,
			})
			result.Failed = stageErr
			return result, stageErr
		}

		outcome := StageOutcome{Stage: stage.Name, Status: StatusSucceeded}
		if stage.Verify != nil {
			ok, err := stage.Verify(ctx)
			if err != nil {
				slog.Warn().Err(err).Msg("postcondition probe errored")
				outcome.Unverified = true
			} else if !ok {
				slog.Warn().Msg("action succeeded but effect not verified")
				outcome.Unverified = true
			}
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	return result, nil
}

func diagnosticOf(err error) string {
	var cmdErr *tools.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Diagnostic()
	}
	return err.Error()
}
