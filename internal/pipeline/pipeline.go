// Package pipeline wires planners to the stage runner and drives the
// pull, transform and load commands.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/mattjoyce/tracklog/internal/config"
	"github.com/mattjoyce/tracklog/internal/local"
	"github.com/mattjoyce/tracklog/internal/naming"
	"github.com/mattjoyce/tracklog/internal/plan"
	"github.com/mattjoyce/tracklog/internal/remote"
	"github.com/mattjoyce/tracklog/internal/stage"
)

// Settings are the resolved per-invocation inputs: config values with any
// command-line overrides applied.
type Settings struct {
	// LogsDest is the pull destination.
	LogsDest string
	// StoreRoot is scanned for transform candidates.
	StoreRoot string
	// LogsSrc restricts transform to these files or directories.
	LogsSrc []string
	// SQLDest is the transform output directory and default marker source.
	SQLDest string
	// SQLSrc restricts load to these markers or marker directories.
	SQLSrc     []string
	LoadLogDir string
	PullLimit  int
	DryRun     bool
	OnCluster  bool
	// Password is handed to the load executable when load.pass_password is set.
	Password string
}

// Observer receives every fresh work-list and every stage outcome.
type Observer interface {
	ObservePlan(wl plan.WorkList)
	stage.Observer
}

// Deps are the collaborators a Pipeline needs. Remote may be nil when no
// command will pull; Ledger may be nil when none will load.
type Deps struct {
	Fs       afero.Fs
	Remote   remote.Store
	Ledger   plan.Ledger
	Recorder stage.Recorder
	Metrics  Observer
	// Stdout and Stderr receive executable output.
	Stdout io.Writer
	Stderr io.Writer
	// Progress receives the pull progress bar; nil means auto-detect.
	Progress io.Writer
	Logger   *slog.Logger
}

// Pipeline plans and runs stages.
type Pipeline struct {
	cfg      *config.Config
	settings Settings
	deps     Deps
	norm     *naming.Normalizer
	runner   *stage.Runner
	logger   *slog.Logger

	pull      *plan.PullPlanner
	transform *plan.TransformPlanner
	load      *plan.LoadPlanner
}

// New builds a Pipeline from cfg and s.
func New(cfg *config.Config, s Settings, d Deps) (*Pipeline, error) {
	if d.Fs == nil {
		d.Fs = afero.NewOsFs()
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.PullLimit < 0 {
		return nil, fmt.Errorf("pull limit must not be negative (got %d)", s.PullLimit)
	}

	norm, err := naming.NewNormalizer(naming.Conventions{
		NoiseToken:   cfg.Naming.NoiseToken,
		LogSuffix:    cfg.Naming.LogSuffix,
		MarkerSuffix: cfg.Naming.MarkerSuffix,
		Joiner:       cfg.Naming.Joiner,
		FilePattern:  cfg.Naming.FilePattern,
	})
	if err != nil {
		return nil, fmt.Errorf("naming: %w", err)
	}

	p := &Pipeline{
		cfg:      cfg,
		settings: s,
		deps:     d,
		norm:     norm,
		logger:   d.Logger.With("component", "pipeline"),
	}

	inv := local.NewInventory(d.Fs, d.Logger.With("component", "local_inventory"))
	p.transform = plan.NewTransformPlanner(d.Fs, inv, norm, s.StoreRoot, cfg.Store.Subtrees, d.Logger.With("component", "transform_planner"))
	if d.Remote != nil {
		rinv := remote.NewInventory(d.Remote, cfg.Remote.Bucket, norm, d.Logger.With("component", "remote_inventory"))
		p.pull = plan.NewPullPlanner(rinv, d.Fs, d.Logger.With("component", "pull_planner"))
	}
	if d.Ledger != nil {
		p.load = plan.NewLoadPlanner(d.Fs, d.Ledger, norm, d.Logger.With("component", "load_planner"))
	}

	var opts []stage.Option
	if d.Recorder != nil {
		opts = append(opts, stage.WithRecorder(d.Recorder))
	}
	if d.Metrics != nil {
		opts = append(opts, stage.WithObserver(d.Metrics))
	}
	if d.Remote != nil {
		opts = append(opts, stage.WithExecutor(plan.StagePull, stage.NewTransferExecutor(d.Remote, stage.TransferOptions{
			Bucket:      cfg.Remote.Bucket,
			LocalRoot:   s.LogsDest,
			Concurrency: cfg.Remote.Concurrency,
			Progress:    d.Progress,
			Logger:      d.Logger.With("component", "transfer"),
		})))
	}
	opts = append(opts,
		stage.WithExecutor(plan.StageTransform, stage.NewProcessExecutor(p.transformCommand(), stage.ProcessOptions{
			Timeout: cfg.Transform.Timeout,
			Stdout:  d.Stdout,
			Stderr:  d.Stderr,
			Logger:  d.Logger.With("component", "transform"),
		})),
		stage.WithExecutor(plan.StageLoad, stage.NewProcessExecutor(p.loadCommand(), stage.ProcessOptions{
			Timeout: cfg.Load.Timeout,
			Secrets: []string{s.Password},
			Stdout:  d.Stdout,
			Stderr:  d.Stderr,
			Logger:  d.Logger.With("component", "load"),
		})),
	)
	p.runner = stage.NewRunner(d.Logger.With("component", "runner"), opts...)
	return p, nil
}

func (p *Pipeline) transformCommand() stage.CommandBuilder {
	if p.settings.OnCluster {
		return stage.ClusterTransformCommand(p.cfg.Transform.ClusterCommand, p.clusterSourceDir(), p.settings.SQLDest)
	}
	return stage.TransformCommand(p.cfg.Transform.Command, p.settings.SQLDest)
}

func (p *Pipeline) loadCommand() stage.CommandBuilder {
	pwd := ""
	if p.cfg.Load.PassPassword {
		pwd = p.settings.Password
	}
	return stage.LoadCommand(p.cfg.Load.Command, p.settings.LoadLogDir, pwd)
}

// clusterSourceDir is the directory a cluster job scans: the first explicit
// source when given, the store root otherwise.
func (p *Pipeline) clusterSourceDir() string {
	if len(p.settings.LogsSrc) > 0 {
		return p.settings.LogsSrc[0]
	}
	return p.settings.StoreRoot
}

// Plan computes the work-list for one stage without side effects.
func (p *Pipeline) Plan(ctx context.Context, s plan.Stage) (plan.WorkList, error) {
	var (
		wl  plan.WorkList
		err error
	)
	switch s {
	case plan.StagePull:
		if p.pull == nil {
			return plan.WorkList{}, fmt.Errorf("no remote configured for pull")
		}
		wl, err = p.pull.Plan(ctx, plan.PullRequest{LocalRoot: p.settings.LogsDest, Limit: p.settings.PullLimit})
	case plan.StageTransform:
		req := plan.TransformRequest{Sources: p.settings.LogsSrc, OutputDir: p.settings.SQLDest}
		if p.settings.OnCluster {
			req.Sources = []string{p.clusterSourceDir()}
		}
		wl, err = p.transform.Plan(ctx, req)
	case plan.StageLoad:
		if p.load == nil {
			return plan.WorkList{}, fmt.Errorf("no ledger configured for load")
		}
		wl, err = p.load.Plan(ctx, p.loadRequest())
	default:
		return plan.WorkList{}, fmt.Errorf("unknown stage %q", s)
	}
	if err != nil {
		return plan.WorkList{}, err
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObservePlan(wl)
	}
	return wl, nil
}

// loadRequest splits --sql-src into an explicit marker list or an output
// directory. A single directory replaces the output directory.
func (p *Pipeline) loadRequest() plan.LoadRequest {
	req := plan.LoadRequest{OutputDir: p.settings.SQLDest}
	if len(p.settings.SQLSrc) == 1 {
		if ok, _ := afero.DirExists(p.deps.Fs, p.settings.SQLSrc[0]); ok {
			req.OutputDir = p.settings.SQLSrc[0]
			return req
		}
	}
	var markers []string
	for _, src := range p.settings.SQLSrc {
		if ok, _ := afero.DirExists(p.deps.Fs, src); ok {
			entries, err := afero.ReadDir(p.deps.Fs, src)
			if err != nil {
				p.logger.Warn("cannot read marker directory", "dir", src, "error", err)
				continue
			}
			for _, e := range entries {
				if !e.IsDir() {
					markers = append(markers, filepath.Join(src, e.Name()))
				}
			}
			continue
		}
		markers = append(markers, src)
	}
	req.Markers = markers
	return req
}

// StageReport is the outcome of one stage within a command.
type StageReport struct {
	Stage   plan.Stage
	Planned int
	Skipped map[string]int
	Outcome stage.Outcome
	Err     error
}

// Report is the outcome of a whole command.
type Report struct {
	Stages   []StageReport
	DryRun   bool
	Duration time.Duration
}

// Failed returns the first failed stage report, if any.
func (r Report) Failed() (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Err != nil {
			return s, true
		}
	}
	return StageReport{}, false
}

// Run plans and executes stages in order. Each stage is planned only after
// the previous one finished, so it sees that stage's output. The first
// planning or execution failure stops the command; earlier stages' results
// stay in place.
func (p *Pipeline) Run(ctx context.Context, stages []plan.Stage) (rep Report, err error) {
	start := time.Now()
	rep = Report{DryRun: p.settings.DryRun}
	defer func() { rep.Duration = time.Since(start) }()

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		logger := p.logger.With("stage", string(s))

		wl, err := p.Plan(ctx, s)
		if err != nil {
			logger.Error("planning failed", "error", err)
			rep.Stages = append(rep.Stages, StageReport{Stage: s, Err: err})
			return rep, fmt.Errorf("%s: %w", s, err)
		}
		logger.Info("planned", "outstanding", wl.Len(), "skipped", wl.Skipped(), "digest", wl.Digest())

		if s == plan.StageLoad && !p.settings.DryRun && !wl.Empty() && p.settings.LoadLogDir != "" {
			if err := p.deps.Fs.MkdirAll(p.settings.LoadLogDir, 0o755); err != nil {
				rep.Stages = append(rep.Stages, StageReport{Stage: s, Planned: wl.Len(), Err: err})
				return rep, fmt.Errorf("%s: create load log directory: %w", s, err)
			}
		}

		out, err := p.runner.Run(ctx, s, wl, p.settings.DryRun)
		sr := StageReport{Stage: s, Planned: wl.Len(), Skipped: wl.Skipped(), Outcome: out, Err: err}
		rep.Stages = append(rep.Stages, sr)
		if err != nil {
			var execErr *stage.ExecutionError
			if errors.As(err, &execErr) {
				logger.Error("halting pipeline", "exit_code", execErr.ExitCode, "files", len(execErr.Files))
			}
			return rep, err
		}
	}
	return rep, nil
}

// PlanAll plans every stage without executing anything. Stages whose
// collaborators are missing are reported with an error rather than aborting.
func (p *Pipeline) PlanAll(ctx context.Context, stages []plan.Stage) Report {
	start := time.Now()
	rep := Report{DryRun: true}
	for _, s := range stages {
		wl, err := p.Plan(ctx, s)
		rep.Stages = append(rep.Stages, StageReport{Stage: s, Planned: wl.Len(), Skipped: wl.Skipped(), Err: err,
			Outcome: stage.Outcome{Stage: s, Files: wl.Paths(), DryRun: true}})
	}
	rep.Duration = time.Since(start)
	return rep
}
