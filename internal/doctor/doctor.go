// Package doctor runs pre-flight checks before a pipeline command touches
// any data.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/afero"

	"github.com/mattjoyce/tracklog/internal/config"
	"github.com/mattjoyce/tracklog/internal/plan"
	"github.com/mattjoyce/tracklog/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Pinger checks that the ledger answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options describe the command about to run. Paths are already resolved
// from flags and config.
type Options struct {
	Stages    []plan.Stage
	OnCluster bool

	// LogsDest is the pull destination (local store root).
	LogsDest string
	// LogsSrc lists explicit transform inputs; empty means the store root.
	LogsSrc []string
	// StoreRoot is scanned for transform inputs when LogsSrc is empty.
	StoreRoot string
	// SQLDest is where transform writes its artifacts.
	SQLDest string
	// SQLSrc lists explicit markers; empty means SQLDest.
	SQLSrc []string
	// LoadLogDir receives load executable logs.
	LoadLogDir string

	// Ledger is pinged when set.
	Ledger Pinger
	// Integrity is the config checksum verdict, when a config file was used.
	Integrity *config.IntegrityResult
	// PasswordResolved reports whether any ledger password was found.
	PasswordResolved bool
}

// Doctor validates configuration and the local environment.
type Doctor struct {
	cfg      *config.Config
	fs       afero.Fs
	lookPath func(string) (string, error)
	mountOf  func(string) (storage.Mount, error)
}

// New creates a Doctor. Filesystem checks go through fs.
func New(cfg *config.Config, fs afero.Fs) *Doctor {
	return &Doctor{cfg: cfg, fs: fs, lookPath: exec.LookPath, mountOf: storage.InspectMount}
}

// Validate runs the checks relevant to opts.Stages and returns a result.
func (d *Doctor) Validate(ctx context.Context, opts Options) *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateIntegrity(r, opts.Integrity)
	for _, s := range opts.Stages {
		switch s {
		case plan.StagePull:
			d.validatePull(r, opts)
		case plan.StageTransform:
			d.validateTransform(r, opts)
		case plan.StageLoad:
			d.validateLoad(ctx, r, opts)
		}
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
		return
	}
	if m, err := d.mountOf(d.cfg.State.Path); err == nil && m.Network {
		d.addError(r, "service", "state.path", fmt.Sprintf("run history %s is on network filesystem %q; use a local path", d.cfg.State.Path, m.Type))
	}
	if d.cfg.State.LockPath == "" {
		return
	}
	// flock is not honoured across NFS clients.
	if m, err := d.mountOf(d.cfg.State.LockPath); err == nil && m.Network {
		d.addWarning(r, "service", "state.lock_path", fmt.Sprintf("lock file %s is on network filesystem %q; runs on other hosts will not be excluded", d.cfg.State.LockPath, m.Type))
	}
}

func (d *Doctor) validateIntegrity(r *Result, ir *config.IntegrityResult) {
	if ir == nil {
		return
	}
	for _, msg := range ir.Errors {
		d.addError(r, "integrity", "", msg)
	}
	for _, msg := range ir.Warnings {
		d.addWarning(r, "integrity", "", msg)
	}
}

func (d *Doctor) validatePull(r *Result, opts Options) {
	if opts.LogsDest == "" {
		d.addError(r, "pull", "store.root", "for 'pull' either set store.root or use --logs-dest")
	} else {
		d.requireWritableDir(r, "pull", "store.root", opts.LogsDest)
	}

	switch d.cfg.Remote.Kind {
	case "dir":
		if ok, _ := afero.DirExists(d.fs, d.cfg.Remote.Dir); !ok {
			d.addError(r, "pull", "remote.dir", fmt.Sprintf("remote directory %s does not exist", d.cfg.Remote.Dir))
		}
	default:
		if d.cfg.Remote.Bucket == "" {
			d.addError(r, "pull", "remote.bucket", "remote.bucket is required")
		}
	}
}

func (d *Doctor) validateTransform(r *Result, opts Options) {
	if len(opts.LogsSrc) == 0 && opts.StoreRoot == "" {
		d.addError(r, "transform", "store.root", "for 'transform' either set store.root or use --logs-src")
	}
	for _, src := range opts.LogsSrc {
		if ok, _ := afero.Exists(d.fs, src); !ok {
			d.addWarning(r, "transform", "logs_src", fmt.Sprintf("source %s does not exist and will be ignored", src))
		}
	}

	if opts.SQLDest == "" {
		d.addError(r, "transform", "store.output_dir", "for 'transform' either set store.root or use --sql-dest")
	} else {
		d.requireWritableDir(r, "transform", "store.output_dir", opts.SQLDest)
	}

	if opts.OnCluster {
		d.requireExecutable(r, "transform", "transform.cluster_command", d.cfg.Transform.ClusterCommand)
		src := opts.StoreRoot
		if len(opts.LogsSrc) > 0 {
			src = opts.LogsSrc[0]
		}
		if ok, _ := afero.DirExists(d.fs, src); !ok {
			d.addError(r, "transform", "store.root", fmt.Sprintf("cluster transform needs a readable source directory, %q is not one", src))
		}
		return
	}
	d.requireExecutable(r, "transform", "transform.command", d.cfg.Transform.Command)
}

func (d *Doctor) validateLoad(ctx context.Context, r *Result, opts Options) {
	if len(opts.SQLSrc) == 0 && opts.SQLDest == "" {
		d.addError(r, "load", "store.output_dir", "for 'load' either set store.root or use --sql-src")
	}
	d.requireExecutable(r, "load", "load.command", d.cfg.Load.Command)

	if opts.LoadLogDir != "" {
		if ok, _ := afero.DirExists(d.fs, opts.LoadLogDir); !ok {
			d.addWarning(r, "load", "store.load_log_dir", fmt.Sprintf("load log directory %s does not exist and will be created", opts.LoadLogDir))
		}
	}

	if !opts.PasswordResolved {
		d.addWarning(r, "load", "ledger.password", "no ledger password resolved; connecting without one")
	}

	if opts.Ledger != nil {
		if err := opts.Ledger.Ping(ctx); err != nil {
			d.addError(r, "ledger", "ledger", err.Error())
		}
	}
}

func (d *Doctor) requireWritableDir(r *Result, category, field, dir string) {
	ok, err := afero.DirExists(d.fs, dir)
	if err != nil || !ok {
		d.addError(r, category, field, fmt.Sprintf("directory %s does not exist", dir))
		return
	}
	f, err := afero.TempFile(d.fs, dir, ".tracklog-doctor-*")
	if err != nil {
		d.addError(r, category, field, fmt.Sprintf("directory %s is not writable: %v", dir, err))
		return
	}
	name := f.Name()
	_ = f.Close()
	_ = d.fs.Remove(name)
}

func (d *Doctor) requireExecutable(r *Result, category, field, command string) {
	if command == "" {
		d.addError(r, category, field, "no executable configured")
		return
	}
	if _, err := d.lookPath(command); err != nil {
		d.addError(r, category, field, fmt.Sprintf("executable %q not found or not executable: %v", command, err))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Pre-flight checks passed.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Pre-flight checks passed (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Pre-flight checks failed (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
