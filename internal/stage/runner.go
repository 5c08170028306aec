// Package stage executes a planned work-list through the external
// collaborator responsible for that stage and records the outcome.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/tracklog/internal/history"
	"github.com/mattjoyce/tracklog/internal/plan"
)

// Executor performs one stage's work for a whole batch.
type Executor interface {
	// Describe renders what Execute would do, with secrets masked.
	Describe(wl plan.WorkList) string
	Execute(ctx context.Context, wl plan.WorkList) (Result, error)
}

// Result is what an executor observed. ExitCode is -1 when no exit status
// was produced (spawn failure, timeout, cancellation).
type Result struct {
	ExitCode int
	Stderr   string
}

// Recorder persists stage runs.
type Recorder interface {
	Start(ctx context.Context, req history.StartRequest) (string, error)
	Complete(ctx context.Context, id string, res history.Result) error
}

// Observer receives run outcomes, typically for metrics.
type Observer interface {
	ObserveRun(stage, state string, d time.Duration)
}

// Outcome summarizes one Run call.
type Outcome struct {
	RunID       string
	Stage       plan.Stage
	State       State
	ExitCode    int
	Files       []string
	DryRun      bool
	Description string
	Duration    time.Duration
}

func (o Outcome) Success() bool { return o.State == StateCompleted }

// Runner dispatches work-lists to per-stage executors.
type Runner struct {
	executors map[plan.Stage]Executor
	recorder  Recorder
	observer  Observer
	logger    *slog.Logger
}

type Option func(*Runner)

func WithExecutor(s plan.Stage, e Executor) Option {
	return func(r *Runner) { r.executors[s] = e }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{executors: make(map[plan.Stage]Executor), logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes wl for stage s. An empty work-list completes without
// invoking anything; a dry run only describes the action. A failed batch
// returns an *ExecutionError; the stage is never retried here.
func (r *Runner) Run(ctx context.Context, s plan.Stage, wl plan.WorkList, dryRun bool) (Outcome, error) {
	if wl.Stage() != "" && wl.Stage() != s {
		return Outcome{}, fmt.Errorf("work-list planned for %s cannot run as %s", wl.Stage(), s)
	}
	exec, ok := r.executors[s]
	if !ok {
		return Outcome{}, fmt.Errorf("no executor configured for stage %s", s)
	}

	logger := r.logger.With("stage", string(s))
	out := Outcome{
		Stage:    s,
		State:    StatePlanned,
		ExitCode: 0,
		Files:    wl.Paths(),
		DryRun:   dryRun,
	}

	if wl.Empty() {
		logger.Info("nothing to do")
		r.advance(&out, StateCompleted)
		r.observe(out)
		return out, nil
	}

	out.Description = exec.Describe(wl)
	out.RunID = r.recordStart(ctx, logger, s, wl, dryRun, out.Description)

	if dryRun {
		logger.Info("dry run", "files", wl.Len(), "command", out.Description)
		r.advance(&out, StateCompleted)
		r.recordComplete(ctx, logger, out, nil, "")
		r.observe(out)
		return out, nil
	}

	r.advance(&out, StateRunning)
	logger.Info("stage starting", "files", wl.Len(), "run_id", out.RunID, "command", out.Description)

	start := time.Now()
	res, err := exec.Execute(ctx, wl)
	out.Duration = time.Since(start)
	out.ExitCode = res.ExitCode

	if err != nil {
		r.advance(&out, StateFailed)
		execErr := &ExecutionError{Stage: string(s), ExitCode: res.ExitCode, Files: out.Files, Err: err}
		var already *ExecutionError
		if errors.As(err, &already) {
			execErr.Err = already.Err
		}
		logger.Error("stage failed", "run_id", out.RunID, "exit_code", res.ExitCode, "files", wl.Len(), "error", err)
		r.recordComplete(ctx, logger, out, execErr, res.Stderr)
		r.observe(out)
		return out, execErr
	}

	r.advance(&out, StateCompleted)
	logger.Info("stage completed", "run_id", out.RunID, "files", wl.Len(), "duration", out.Duration)
	r.recordComplete(ctx, logger, out, nil, res.Stderr)
	r.observe(out)
	return out, nil
}

func (r *Runner) advance(out *Outcome, to State) {
	if err := Transition(out.State, to); err != nil {
		// Only reachable through a programming error in Run.
		panic(err)
	}
	out.State = to
}

func (r *Runner) observe(out Outcome) {
	if r.observer != nil {
		r.observer.ObserveRun(string(out.Stage), string(out.State), out.Duration)
	}
}

func (r *Runner) recordStart(ctx context.Context, logger *slog.Logger, s plan.Stage, wl plan.WorkList, dryRun bool, desc string) string {
	if r.recorder == nil {
		return ""
	}
	id, err := r.recorder.Start(ctx, history.StartRequest{
		Stage:   string(s),
		DryRun:  dryRun,
		Files:   wl.Paths(),
		Digest:  wl.Digest(),
		Command: desc,
	})
	if err != nil {
		logger.Warn("failed to record stage start", "error", err)
		return ""
	}
	return id
}

func (r *Runner) recordComplete(ctx context.Context, logger *slog.Logger, out Outcome, runErr error, stderr string) {
	if r.recorder == nil || out.RunID == "" {
		return
	}
	res := history.Result{Status: history.StatusCompleted}
	if out.State == StateFailed {
		res.Status = history.StatusFailed
	}
	if !out.DryRun {
		code := out.ExitCode
		res.ExitCode = &code
	}
	if runErr != nil {
		msg := runErr.Error()
		res.LastError = &msg
	}
	if stderr != "" {
		res.Stderr = &stderr
	}
	// Record even if the run itself was cancelled.
	if err := r.recorder.Complete(context.WithoutCancel(ctx), out.RunID, res); err != nil {
		logger.Warn("failed to record stage completion", "run_id", out.RunID, "error", err)
	}
}
