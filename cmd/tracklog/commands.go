package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"

	"github.com/mattjoyce/tracklog/internal/api"
	"github.com/mattjoyce/tracklog/internal/config"
	"github.com/mattjoyce/tracklog/internal/doctor"
	"github.com/mattjoyce/tracklog/internal/history"
	"github.com/mattjoyce/tracklog/internal/inspect"
	"github.com/mattjoyce/tracklog/internal/lock"
	"github.com/mattjoyce/tracklog/internal/log"
	"github.com/mattjoyce/tracklog/internal/metrics"
	"github.com/mattjoyce/tracklog/internal/pipeline"
	"github.com/mattjoyce/tracklog/internal/plan"
	"github.com/mattjoyce/tracklog/internal/remote"
	"github.com/mattjoyce/tracklog/internal/storage"
)

var allStages = []plan.Stage{plan.StagePull, plan.StageTransform, plan.StageLoad}

// runStages executes a pipeline command: pre-flight, lock, plan and run
// each stage, then report.
func runStages(cmd string, args []string) int {
	stages, err := pipeline.ParseCommand(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var f runFlags
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	f.register(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tracklog %s [flags]\n\nFlags:\n", cmd)
		fs.PrintDefaults()
	}
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Unexpected arguments: %v\n", fs.Args())
		return 1
	}

	env, err := loadEnvironment(&f, hasStage(stages, plan.StageLoad))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	logger := env.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := pipeline.Deps{Fs: afero.NewOsFs(), Logger: log.Get()}
	if hasStage(stages, plan.StagePull) {
		store, err := env.openRemote()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open remote: %v\n", err)
			return 1
		}
		defer closeRemote(store)
		deps.Remote = store
	}
	var pinger doctor.Pinger
	if hasStage(stages, plan.StageLoad) {
		l, err := env.openLedger()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid ledger configuration: %v\n", err)
			return 1
		}
		deps.Ledger = l
		pinger = l
	}

	result := env.preflight(ctx, stages, pinger)
	if !result.Valid {
		fmt.Fprint(os.Stderr, doctor.FormatHuman(result))
		return 1
	}
	for _, w := range result.Warnings {
		logger.Warn("pre-flight warning", "category", w.Category, "field", w.Field, "message", w.Message)
	}

	pidLock, err := lock.AcquirePIDLock(env.cfg.State.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another run may be in progress)", "path", env.cfg.State.LockPath, "error", err)
		fmt.Fprintf(os.Stderr, "Failed to acquire lock: %v\n", err)
		return 1
	}
	defer pidLock.Release()

	db, err := storage.OpenSQLite(ctx, env.cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", env.cfg.State.Path, "error", err)
		fmt.Fprintf(os.Stderr, "Failed to open run history: %v\n", err)
		return 1
	}
	defer db.Close()
	runs := history.New(db)
	deps.Recorder = runs

	reg := prometheus.NewRegistry()
	deps.Metrics = metrics.New(reg)

	metricsAddr := firstNonEmpty(f.metricsAddr, env.cfg.Metrics.Listen)
	if metricsAddr != "" {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		srv := api.New(api.Config{Listen: metricsAddr}, runs, reg, log.WithComponent("api"))
		go func() {
			if err := srv.Start(srvCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	p, err := pipeline.New(env.cfg, env.settings, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build pipeline: %v\n", err)
		return 1
	}

	logger.Info("tracklog starting", "version", version, "command", cmd, "dry_run", f.dryRun)
	rep, runErr := p.Run(ctx, stages)
	fmt.Print(pipeline.Render(rep, pipeline.NewDefaultTheme(), pipeline.RenderOptions{
		Files:    f.verbose || f.dryRun,
		MaxFiles: 50,
	}))

	if n, err := runs.Prune(context.Background(), env.cfg.Service.HistoryRetention); err != nil {
		logger.Warn("failed to prune run history", "error", err)
	} else if n > 0 {
		logger.Debug("pruned run history", "deleted", n)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "tracklog %s failed: %v\n", cmd, runErr)
		return 1
	}
	return 0
}

// runPlan reports outstanding work for every stage without running anything.
func runPlan(args []string) int {
	var f runFlags
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	f.register(fs)
	files := fs.Bool("files", false, "List every outstanding file")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: tracklog plan [flags]\n\nFlags:")
		fs.PrintDefaults()
	}
	if code, done := parseFlags(fs, args); done {
		return code
	}

	env, err := loadEnvironment(&f, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := pipeline.Deps{Fs: afero.NewOsFs(), Logger: log.Get()}
	var store remote.Store
	if store, err = env.openRemote(); err != nil {
		env.logger.Warn("remote unavailable, pull will not be planned", "error", err)
	} else {
		defer closeRemote(store)
		deps.Remote = store
	}
	if l, err := env.openLedger(); err != nil {
		env.logger.Warn("ledger misconfigured, load will not be planned", "error", err)
	} else {
		deps.Ledger = l
	}

	p, err := pipeline.New(env.cfg, env.settings, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build pipeline: %v\n", err)
		return 1
	}
	rep := p.PlanAll(ctx, allStages)
	fmt.Print(pipeline.Render(rep, pipeline.NewDefaultTheme(), pipeline.RenderOptions{Files: *files}))
	if _, failed := rep.Failed(); failed {
		return 1
	}
	return 0
}

// runDoctor runs the pre-flight checks for a pipeline command
// (pullTransformLoad by default) and reports them.
func runDoctor(args []string) int {
	var f runFlags
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	f.register(fs)
	jsonOut := fs.Bool("json", false, "Output the result as JSON")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: tracklog doctor [command] [flags]\n\nFlags:")
		fs.PrintDefaults()
	}
	if code, done := parseFlags(fs, args); done {
		return code
	}

	cmd := "pullTransformLoad"
	if fs.NArg() > 0 {
		cmd = fs.Arg(0)
	}
	stages, err := pipeline.ParseCommand(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	env, err := loadEnvironment(&f, hasStage(stages, plan.StageLoad))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	var pinger doctor.Pinger
	if hasStage(stages, plan.StageLoad) {
		l, err := env.openLedger()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid ledger configuration: %v\n", err)
			return 1
		}
		pinger = l
	}

	result := env.preflight(context.Background(), stages, pinger)
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

type historyEntry struct {
	ID          string     `json:"id"`
	Stage       string     `json:"stage"`
	Status      string     `json:"status"`
	DryRun      bool       `json:"dry_run"`
	FileCount   int        `json:"file_count"`
	Command     string     `json:"command,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// runHistory lists recent stage runs from the state database.
func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.StringP("config", "C", "", "Path to tracklog.yaml or its directory")
	statePath := fs.String("state", "", "Run history database (overrides state.path)")
	stage := fs.String("stage", "", "Only show runs of this stage")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if *stage != "" && !hasStage(allStages, plan.Stage(*stage)) {
		fmt.Fprintf(os.Stderr, "Unknown stage %q (want pull, transform or load)\n", *stage)
		return 1
	}

	cfg, err := config.LoadOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *statePath != "" {
		cfg.State.Path = *statePath
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run history: %v\n", err)
		return 1
	}
	defer db.Close()

	runs, err := history.New(db).Recent(ctx, *stage, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read run history: %v\n", err)
		return 1
	}

	entries := make([]historyEntry, 0, len(runs))
	for _, r := range runs {
		entries = append(entries, historyEntry{
			ID:          r.ID,
			Stage:       r.Stage,
			Status:      string(r.Status),
			DryRun:      r.DryRun,
			FileCount:   r.FileCount,
			Command:     r.Command,
			ExitCode:    r.ExitCode,
			LastError:   r.LastError,
			CreatedAt:   r.CreatedAt,
			CompletedAt: r.CompletedAt,
		})
	}

	if *jsonOut {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("No runs recorded.")
		return 0
	}
	for _, e := range entries {
		mode := ""
		if e.DryRun {
			mode = " (dry run)"
		}
		exit := "-"
		if e.ExitCode != nil {
			exit = fmt.Sprintf("%d", *e.ExitCode)
		}
		fmt.Printf("%s  %-9s  %-9s  files=%-4d exit=%s  %s%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Stage, e.Status, e.FileCount, exit, e.ID, mode)
		if e.LastError != nil {
			fmt.Printf("    error: %s\n", *e.LastError)
		}
	}
	return 0
}

// runInspect prints the detail of one recorded run.
func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.StringP("config", "C", "", "Path to tracklog.yaml or its directory")
	statePath := fs.String("state", "", "Run history database (overrides state.path)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, done := parseFlags(fs, args); done {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: tracklog inspect <run-id> [--json]")
		return 1
	}

	cfg, err := config.LoadOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *statePath != "" {
		cfg.State.Path = *statePath
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run history: %v\n", err)
		return 1
	}
	defer db.Close()

	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	out, err := build(ctx, history.New(db), afero.NewOsFs(), fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || hasHelpFlag(args[:1]) {
		fmt.Fprintln(os.Stderr, "Usage: tracklog config lock [--config PATH] [--dry-run] [-v]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

// runConfigLock hashes the config file and writes .checksums next to it.
func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.StringP("config", "C", ".", "Path to tracklog.yaml or its directory")
	dryRun := fs.BoolP("dry-run", "d", false, "Print hashes without writing .checksums")
	verbose := fs.BoolP("verbose", "v", false, "Print each file hash")
	if code, done := parseFlags(fs, args); done {
		return code
	}

	report, err := config.Lock(*configPath, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock configuration: %v\n", err)
		return 1
	}

	if *verbose {
		fmt.Printf("Processing directory: %s\n", report.ConfigDir)
		for _, file := range report.Files {
			if file.Exists {
				fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
			} else {
				fmt.Printf("  SKIP %s: not found\n", file.Filename)
			}
		}
	}
	if *dryRun {
		fmt.Printf("  DRY-RUN %s: %s\n", config.ChecksumFileName, report.ChecksumPath)
		fmt.Println("Dry run completed; no files written.")
		return 0
	}
	if *verbose && report.Written {
		fmt.Printf("  WROTE %s: %s\n", config.ChecksumFileName, report.ChecksumPath)
	}
	fmt.Printf("Successfully locked configuration in %s\n", report.ConfigDir)
	return 0
}
