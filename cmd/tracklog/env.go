package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"

	"github.com/mattjoyce/tracklog/internal/config"
	"github.com/mattjoyce/tracklog/internal/credentials"
	"github.com/mattjoyce/tracklog/internal/doctor"
	"github.com/mattjoyce/tracklog/internal/ledger"
	"github.com/mattjoyce/tracklog/internal/local"
	"github.com/mattjoyce/tracklog/internal/log"
	"github.com/mattjoyce/tracklog/internal/pipeline"
	"github.com/mattjoyce/tracklog/internal/plan"
	"github.com/mattjoyce/tracklog/internal/remote"
)

// runFlags are shared by every command that touches the pipeline.
type runFlags struct {
	configPath  string
	statePath   string
	logFile     string
	dryRun      bool
	verbose     bool
	onCluster   bool
	logsDest    string
	logsSrc     string
	sqlDest     string
	sqlSrc      string
	pullLimit   int
	user        string
	password    bool
	metricsAddr string
}

func (f *runFlags) register(fs *flag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "C", "", "Path to tracklog.yaml or its directory")
	fs.StringVar(&f.statePath, "state", "", "Run history database (overrides state.path)")
	fs.StringVarP(&f.logFile, "log-file", "l", "", "Write logs to a rotating file instead of stdout")
	fs.BoolVarP(&f.dryRun, "dry-run", "d", false, "Show what would run without changing anything")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Debug logging and per-file report")
	fs.BoolVarP(&f.onCluster, "on-cluster", "c", false, "Transform on the compute cluster")
	fs.StringVar(&f.logsDest, "logs-dest", "", "Pull destination (defaults to store.root)")
	fs.StringVar(&f.logsSrc, "logs-src", "", "Comma or space separated log files or directories to transform")
	fs.StringVar(&f.sqlDest, "sql-dest", "", "Transform output directory (defaults to store.output_dir)")
	fs.StringVar(&f.sqlSrc, "sql-src", "", "Directory or list of load files to load")
	fs.IntVar(&f.pullLimit, "pull-limit", 0, "Pull at most this many files (0 means all)")
	fs.StringVarP(&f.user, "user", "u", "", "Database user")
	fs.BoolVarP(&f.password, "password", "p", false, "Prompt for the database password")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve /healthz, /metrics and /runs on this address while running")
}

// parseFlags parses args into f. done reports that the caller should
// return code immediately (help was printed or parsing failed).
func parseFlags(fs *flag.FlagSet, args []string) (code int, done bool) {
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, true
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1, true
	}
	return 0, false
}

// environment is everything a command derives from config and flags.
type environment struct {
	cfg       *config.Config
	settings  pipeline.Settings
	creds     credentials.Credentials
	integrity *config.IntegrityResult
	logger    *slog.Logger
}

// loadEnvironment reads the config, applies flag overrides, configures
// logging and, when withCreds is set, resolves database credentials.
func loadEnvironment(f *runFlags, withCreds bool) (*environment, error) {
	cfg, err := config.LoadOrDefaults(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.statePath != "" {
		cfg.State.Path = f.statePath
	}
	if f.logFile != "" {
		cfg.Service.LogFile = f.logFile
	}
	if f.verbose {
		cfg.Service.LogLevel = "debug"
	}
	if f.pullLimit < 0 {
		return nil, fmt.Errorf("--pull-limit must not be negative (got %d)", f.pullLimit)
	}

	log.Configure(log.Options{
		Level:  cfg.Service.LogLevel,
		Format: cfg.Service.LogFormat,
		File:   cfg.Service.LogFile,
	})

	env := &environment{cfg: cfg, logger: log.WithComponent("main")}
	if cfg.SourceFile != "" {
		ir, err := config.VerifyIntegrity(cfg.SourceFile)
		if err != nil {
			return nil, err
		}
		env.integrity = ir
	}

	root := cfg.Store.Root
	s := pipeline.Settings{
		LogsDest:   firstNonEmpty(f.logsDest, root),
		StoreRoot:  firstNonEmpty(root, f.logsDest),
		LogsSrc:    local.SplitList(f.logsSrc),
		SQLDest:    firstNonEmpty(f.sqlDest, cfg.Store.OutputDir),
		SQLSrc:     local.SplitList(f.sqlSrc),
		LoadLogDir: cfg.Store.LoadLogDir,
		PullLimit:  f.pullLimit,
		DryRun:     f.dryRun,
		OnCluster:  f.onCluster,
	}
	if root == "" && f.logsDest != "" {
		derived := config.StoreConfig{Root: f.logsDest}
		config.ApplyStoreDefaults(&derived)
		s.SQLDest = firstNonEmpty(s.SQLDest, derived.OutputDir)
		s.LoadLogDir = derived.LoadLogDir
	}
	for _, p := range []*string{&s.LogsDest, &s.StoreRoot, &s.SQLDest, &s.LoadLogDir} {
		if err := absolutize(p); err != nil {
			return nil, err
		}
	}

	if withCreds {
		creds, err := credentials.NewResolver().Resolve(credentials.Request{
			FlagUser:       f.user,
			ConfigUser:     cfg.Ledger.User,
			Prompt:         f.password,
			ConfigPassword: cfg.Ledger.Password,
			PasswordFile:   cfg.Ledger.PasswordFile,
		})
		if err != nil {
			return nil, err
		}
		env.creds = creds
		s.Password = creds.Password
		env.logger.Debug("resolved credentials", "credentials", creds.String())
	}
	env.settings = s
	return env, nil
}

// absolutize makes *p absolute so flag paths and walked paths compare.
func absolutize(p *string) error {
	if *p == "" || filepath.IsAbs(*p) {
		return nil
	}
	abs, err := filepath.Abs(*p)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", *p, err)
	}
	*p = abs
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func hasStage(stages []plan.Stage, s plan.Stage) bool {
	return slices.Contains(stages, s)
}

func (e *environment) openRemote() (remote.Store, error) {
	r := e.cfg.Remote
	return remote.Open(remote.Config{
		Kind:            r.Kind,
		Region:          r.Region,
		Profile:         r.Profile,
		Endpoint:        r.Endpoint,
		MaxRetries:      r.MaxRetries,
		CredentialsFile: r.CredentialsFile,
		Dir:             r.Dir,
	}, afero.NewOsFs())
}

func (e *environment) openLedger() (*ledger.SQL, error) {
	l := e.cfg.Ledger
	return ledger.New(ledger.Config{
		Driver:   l.Driver,
		DSN:      l.DSN,
		Host:     l.Host,
		Port:     l.Port,
		Database: l.Database,
		User:     e.creds.User,
		Password: e.creds.Password,
		Table:    l.Table,
		Column:   l.Column,
		Timeout:  l.Timeout,
	})
}

// preflight runs the doctor checks for stages. A nil pinger skips the
// ledger reachability check.
func (e *environment) preflight(ctx context.Context, stages []plan.Stage, pinger doctor.Pinger) *doctor.Result {
	opts := doctor.Options{
		Stages:           stages,
		OnCluster:        e.settings.OnCluster,
		LogsDest:         e.settings.LogsDest,
		LogsSrc:          e.settings.LogsSrc,
		StoreRoot:        e.settings.StoreRoot,
		SQLDest:          e.settings.SQLDest,
		SQLSrc:           e.settings.SQLSrc,
		LoadLogDir:       e.settings.LoadLogDir,
		Integrity:        e.integrity,
		PasswordResolved: e.creds.Password != "",
		Ledger:           pinger,
	}
	return doctor.New(e.cfg, afero.NewOsFs()).Validate(ctx, opts)
}

func closeRemote(store remote.Store) {
	if c, ok := store.(io.Closer); ok {
		_ = c.Close()
	}
}
