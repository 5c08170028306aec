package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mattjoyce/tracklog/internal/config"
	"github.com/mattjoyce/tracklog/internal/history"
	"github.com/mattjoyce/tracklog/internal/ledger"
	"github.com/mattjoyce/tracklog/internal/metrics"
	"github.com/mattjoyce/tracklog/internal/plan"
	"github.com/mattjoyce/tracklog/internal/remote"
	"github.com/mattjoyce/tracklog/internal/stage"
	"github.com/mattjoyce/tracklog/internal/storage"
)

const (
	logA = "tracking/app1/tracking.log-20130609.gz"
	logB = "tracking/app2/tracking.log-20130610.gz"
)

// transformScript writes one marker per source, named the way json2sql.py
// names them: <top>.<app>.<file>.<timestamp>_<pid>.sql
const transformScript = `out="$1"; shift
mkdir -p "$out"
for f in "$@"; do
  app=$(basename "$(dirname "$f")")
  top=$(basename "$(dirname "$(dirname "$f")")")
  echo "-- $f" > "$out/$top.$app.$(basename "$f").20240101120000_$$.sql"
done
`

// loadScript appends each marker it was handed to <logDir>/loaded.txt.
const loadScript = `if [ "$1" = "-w" ]; then shift 2; fi
logdir="$1"; shift
for m in "$@"; do echo "$m" >> "$logdir/loaded.txt"; done
`

type fixture struct {
	t        *testing.T
	root     string
	store    string
	cfg      *config.Config
	settings Settings
	ledgerDB string
	ledger   *ledger.SQL
	history  *history.Store
	reg      *prometheus.Registry
	stderr   bytes.Buffer
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{t: t, root: root, store: filepath.Join(root, "store"), reg: prometheus.NewRegistry()}

	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))

	f.cfg = config.Defaults()
	f.cfg.Remote.Kind = "dir"
	f.cfg.Remote.Dir = filepath.Join(root, "remote")
	f.cfg.Remote.Bucket = "logs"
	f.cfg.Transform.Command = writeScript(t, bin, "json2sql.sh", transformScript)
	f.cfg.Load.Command = writeScript(t, bin, "load.sh", loadScript)

	f.settings = Settings{
		LogsDest:   f.store,
		StoreRoot:  f.store,
		SQLDest:    filepath.Join(f.store, "CSV"),
		LoadLogDir: filepath.Join(f.store, "Logs"),
		Password:   "s3cret",
	}

	f.ledgerDB = filepath.Join(root, "ledger.db")
	db, err := sql.Open("sqlite", f.ledgerDB)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE LoadInfo (load_file TEXT NOT NULL, load_date TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	f.ledger, err = ledger.New(ledger.Config{Driver: ledger.DriverSQLite, DSN: f.ledgerDB})
	require.NoError(t, err)

	hdb, err := storage.OpenSQLite(context.Background(), filepath.Join(root, "state", "tracklog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hdb.Close() })
	f.history = history.New(hdb)
	return f
}

func (f *fixture) pipeline(mutate ...func(*Settings)) *Pipeline {
	f.t.Helper()
	s := f.settings
	for _, m := range mutate {
		m(&s)
	}
	p, err := New(f.cfg, s, Deps{
		Fs:       afero.NewOsFs(),
		Remote:   remote.NewDir(afero.NewOsFs(), f.cfg.Remote.Dir),
		Ledger:   f.ledger,
		Recorder: f.history,
		Metrics:  metrics.New(f.reg),
		Stdout:   io.Discard,
		Stderr:   &f.stderr,
		Progress: io.Discard,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(f.t, err)
	return p
}

// recordLoaded plays the loader's part of writing ledger rows: every marker
// it was handed becomes the absolute path of its source file.
func (f *fixture) recordLoaded() {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(f.settings.LoadLogDir, "loaded.txt"))
	require.NoError(f.t, err)

	db, err := sql.Open("sqlite", f.ledgerDB)
	require.NoError(f.t, err)
	defer db.Close()
	for _, marker := range strings.Fields(string(data)) {
		name := filepath.Base(marker)
		i := strings.Index(name, ".gz.")
		require.Positive(f.t, i, "marker %s", name)
		parts := strings.SplitN(name[:i+3], ".", 3)
		src := filepath.Join(f.store, parts[0], parts[1], parts[2])
		_, err := db.Exec(`INSERT INTO LoadInfo (load_file) VALUES (?)`, src)
		require.NoError(f.t, err)
	}
}

func (f *fixture) remoteFile(name, content string) {
	writeFile(f.t, filepath.Join(f.cfg.Remote.Dir, f.cfg.Remote.Bucket, filepath.FromSlash(name)), content)
}

func stagesOf(rep Report) []plan.Stage {
	out := make([]plan.Stage, 0, len(rep.Stages))
	for _, s := range rep.Stages {
		out = append(out, s.Stage)
	}
	return out
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	stages, err := ParseCommand("pullTransformLoad")
	require.NoError(t, err)
	assert.Equal(t, []plan.Stage{plan.StagePull, plan.StageTransform, plan.StageLoad}, stages)

	stages, err = ParseCommand("transformLoad")
	require.NoError(t, err)
	assert.Equal(t, []plan.Stage{plan.StageTransform, plan.StageLoad}, stages)

	_, err = ParseCommand("pullLoad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pullTransformLoad")
	assert.False(t, IsCommand("doctor"))
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.remoteFile(logA, "aaaa")
	f.remoteFile(logB, "bbbbbb")
	writeFile(t, filepath.Join(f.store, filepath.FromSlash(logA)), "aaaa")

	p := f.pipeline()

	wl, err := p.Plan(ctx, plan.StagePull)
	require.NoError(t, err)
	assert.Equal(t, []string{logB}, wl.Paths())
	assert.Equal(t, map[string]int{plan.SkipUpToDate: 1}, wl.Skipped())

	rep, err := p.Run(ctx, []plan.Stage{plan.StagePull})
	require.NoError(t, err)
	require.Len(t, rep.Stages, 1)
	assert.True(t, rep.Stages[0].Outcome.Success())
	got, err := os.ReadFile(filepath.Join(f.store, filepath.FromSlash(logB)))
	require.NoError(t, err)
	assert.Equal(t, "bbbbbb", string(got))

	wl, err = p.Plan(ctx, plan.StageTransform)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(f.store, filepath.FromSlash(logA)),
		filepath.Join(f.store, filepath.FromSlash(logB)),
	}, wl.Paths())

	rep, err = p.Run(ctx, []plan.Stage{plan.StageTransform})
	require.NoError(t, err)
	assert.True(t, rep.Stages[0].Outcome.Success())

	wl, err = p.Plan(ctx, plan.StageTransform)
	require.NoError(t, err)
	assert.True(t, wl.Empty(), "transform should be caught up, got %v", wl.Paths())

	wl, err = p.Plan(ctx, plan.StageLoad)
	require.NoError(t, err)
	require.Equal(t, 2, wl.Len())
	for _, m := range wl.Paths() {
		assert.True(t, strings.HasSuffix(m, ".sql"), m)
	}

	rep, err = p.Run(ctx, []plan.Stage{plan.StageLoad})
	require.NoError(t, err)
	out := rep.Stages[0].Outcome
	assert.True(t, out.Success())
	assert.NotContains(t, out.Description, "s3cret")
	assert.Contains(t, out.Description, "-w ********")

	f.recordLoaded()
	wl, err = p.Plan(ctx, plan.StageLoad)
	require.NoError(t, err)
	assert.True(t, wl.Empty(), "load should be caught up, got %v", wl.Paths())
	assert.Equal(t, map[string]int{plan.SkipAlreadyLoaded: 2}, wl.Skipped())

	runs, err := f.history.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	n, err := testutil.GatherAndCount(f.reg, "tracklog_stage_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestChainedCommandSeesEarlierStages(t *testing.T) {
	f := newFixture(t)
	f.remoteFile(logA, "aaaa")
	f.remoteFile(logB, "bbbbbb")

	stages, err := ParseCommand("pullTransformLoad")
	require.NoError(t, err)
	rep, err := f.pipeline().Run(context.Background(), stages)
	require.NoError(t, err)

	assert.Equal(t, stages, stagesOf(rep))
	assert.Positive(t, rep.Duration, "run duration")
	assert.Contains(t, Render(rep, NewDefaultTheme(), RenderOptions{}), "took ")
	for _, s := range rep.Stages {
		assert.Equal(t, 2, s.Planned, "stage %s", s.Stage)
		assert.True(t, s.Outcome.Success(), "stage %s", s.Stage)
	}

	loaded, err := os.ReadFile(filepath.Join(f.settings.LoadLogDir, "loaded.txt"))
	require.NoError(t, err)
	assert.Len(t, strings.Fields(string(loaded)), 2)
}

func TestChainHaltsOnFailedStage(t *testing.T) {
	f := newFixture(t)
	f.remoteFile(logA, "aaaa")
	f.cfg.Transform.Command = writeScript(t, t.TempDir(), "broken.sh", "echo 'bad input' >&2\nexit 3\n")

	stages, err := ParseCommand("pullTransformLoad")
	require.NoError(t, err)
	rep, err := f.pipeline().Run(context.Background(), stages)
	require.Error(t, err)
	assert.ErrorIs(t, err, stage.ErrStageExecutionFailed)
	assert.Positive(t, rep.Duration, "failed runs still report their duration")

	var execErr *stage.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Len(t, execErr.Files, 1)

	assert.Equal(t, []plan.Stage{plan.StagePull, plan.StageTransform}, stagesOf(rep))
	failed, ok := rep.Failed()
	require.True(t, ok)
	assert.Equal(t, plan.StageTransform, failed.Stage)
	assert.Contains(t, f.stderr.String(), "bad input")

	// The pulled file stays in place.
	_, err = os.Stat(filepath.Join(f.store, filepath.FromSlash(logA)))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.settings.LoadLogDir, "loaded.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.remoteFile(logA, "aaaa")
	f.remoteFile(logB, "bbbbbb")
	writeFile(t, filepath.Join(f.store, filepath.FromSlash(logA)), "aaaa")

	stages, err := ParseCommand("pullTransformLoad")
	require.NoError(t, err)
	rep, err := f.pipeline(func(s *Settings) { s.DryRun = true }).Run(context.Background(), stages)
	require.NoError(t, err)
	require.Len(t, rep.Stages, 3)

	// Later stages plan against the unchanged store.
	assert.Equal(t, 1, rep.Stages[0].Planned)
	assert.Equal(t, 1, rep.Stages[1].Planned)
	assert.Equal(t, 0, rep.Stages[2].Planned)
	for _, s := range rep.Stages {
		assert.True(t, s.Outcome.DryRun)
	}

	_, err = os.Stat(filepath.Join(f.store, filepath.FromSlash(logB)))
	assert.True(t, os.IsNotExist(err), "dry run must not pull")
	_, err = os.Stat(f.settings.SQLDest)
	assert.True(t, os.IsNotExist(err), "dry run must not transform")
	_, err = os.Stat(f.settings.LoadLogDir)
	assert.True(t, os.IsNotExist(err), "dry run must not create the load log directory")

	out := Render(rep, NewDefaultTheme(), RenderOptions{Files: true})
	assert.Contains(t, out, "dry run")
	assert.Contains(t, out, "1 outstanding")
	assert.Contains(t, out, logB)
}

func TestPullLimit(t *testing.T) {
	f := newFixture(t)
	f.remoteFile(logA, "aaaa")
	f.remoteFile(logB, "bbbbbb")

	wl, err := f.pipeline(func(s *Settings) { s.PullLimit = 1 }).Plan(context.Background(), plan.StagePull)
	require.NoError(t, err)
	assert.Equal(t, 1, wl.Len())

	_, err = New(f.cfg, Settings{PullLimit: -1}, Deps{})
	require.Error(t, err)
}

func TestLoadFromExplicitMarkers(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "markers")
	a := filepath.Join(dir, "tracking.app1.tracking.log-20130609.gz.20240101120000_1.sql")
	b := filepath.Join(dir, "tracking.app2.tracking.log-20130610.gz.20240101120000_1.sql")
	writeFile(t, a, "--")
	writeFile(t, b, "--")

	db, err := sql.Open("sqlite", f.ledgerDB)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO LoadInfo (load_file) VALUES (?)`, "/data/tracking/app1/tracking.log-20130609.gz")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// A single directory replaces the output directory.
	wl, err := f.pipeline(func(s *Settings) { s.SQLSrc = []string{dir} }).Plan(context.Background(), plan.StageLoad)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, wl.Paths())

	// Explicit markers are still filtered against the ledger.
	wl, err = f.pipeline(func(s *Settings) { s.SQLSrc = []string{a, b} }).Plan(context.Background(), plan.StageLoad)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, wl.Paths())
}

func TestClusterTransformPassesSourceDir(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.store, filepath.FromSlash(logA)), "aaaa")
	argsFile := filepath.Join(f.root, "cluster-args.txt")
	f.cfg.Transform.ClusterCommand = writeScript(t, t.TempDir(), "cluster.sh", `echo "$@" > `+argsFile+"\n")

	rep, err := f.pipeline(func(s *Settings) { s.OnCluster = true }).Run(context.Background(), []plan.Stage{plan.StageTransform})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stages[0].Planned)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, f.store+" "+f.settings.SQLDest, strings.TrimSpace(string(args)))
}

func TestLedgerUnavailableAbortsLoad(t *testing.T) {
	f := newFixture(t)
	l, err := ledger.New(ledger.Config{Driver: ledger.DriverSQLite, DSN: filepath.Join(f.root, "missing", "nope.db")})
	require.NoError(t, err)
	f.ledger = l

	rep, err := f.pipeline().Run(context.Background(), []plan.Stage{plan.StageTransform, plan.StageLoad})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrLedgerUnavailable)
	failed, ok := rep.Failed()
	require.True(t, ok)
	assert.Equal(t, plan.StageLoad, failed.Stage)
}

func TestPlanAllReportsMissingCollaborators(t *testing.T) {
	f := newFixture(t)
	p, err := New(f.cfg, f.settings, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	rep := p.PlanAll(context.Background(), []plan.Stage{plan.StagePull, plan.StageTransform, plan.StageLoad})
	require.Len(t, rep.Stages, 3)
	assert.Error(t, rep.Stages[0].Err)
	assert.NoError(t, rep.Stages[1].Err)
	assert.Error(t, rep.Stages[2].Err)

	out := Render(rep, NewDefaultTheme(), RenderOptions{})
	assert.Contains(t, out, "no remote configured")
	assert.Contains(t, out, "failed")
}
