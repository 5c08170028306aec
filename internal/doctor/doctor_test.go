package doctor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/mattjoyce/tracklog/internal/config"
	"github.com/mattjoyce/tracklog/internal/plan"
	"github.com/mattjoyce/tracklog/internal/storage"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func newTestDoctor(t *testing.T, fs afero.Fs) *Doctor {
	t.Helper()
	cfg, err := config.LoadOrDefaults("")
	if err != nil {
		t.Fatal(err)
	}
	d := New(cfg, fs)
	d.lookPath = func(name string) (string, error) {
		if strings.HasPrefix(name, "missing") {
			return "", errors.New("not found")
		}
		return "/usr/local/bin/" + name, nil
	}
	d.mountOf = func(path string) (storage.Mount, error) {
		return storage.Mount{Path: path, Type: "ext4"}, nil
	}
	return d
}

func storeFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, dir := range []string{"/store", "/store/CSV", "/store/Logs"} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func allStages() []plan.Stage {
	return []plan.Stage{plan.StagePull, plan.StageTransform, plan.StageLoad}
}

func fullOptions() Options {
	return Options{
		Stages:           allStages(),
		LogsDest:         "/store",
		StoreRoot:        "/store",
		SQLDest:          "/store/CSV",
		LoadLogDir:       "/store/Logs",
		PasswordResolved: true,
		Ledger:           stubPinger{},
	}
}

func hasIssue(issues []Issue, field string) bool {
	for _, i := range issues {
		if i.Field == field {
			return true
		}
	}
	return false
}

func TestValidateAllStagesPass(t *testing.T) {
	d := newTestDoctor(t, storeFs(t))
	r := d.Validate(context.Background(), fullOptions())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %+v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Errorf("unexpected warnings: %+v", r.Warnings)
	}
	if !strings.Contains(FormatHuman(r), "passed") {
		t.Errorf("FormatHuman = %q", FormatHuman(r))
	}
	// The writability probe leaves nothing behind.
	entries, _ := afero.ReadDir(d.fs, "/store/CSV")
	if len(entries) != 0 {
		t.Errorf("probe file left in output dir: %v", entries)
	}
}

func TestValidateMissingRoots(t *testing.T) {
	d := newTestDoctor(t, afero.NewMemMapFs())
	r := d.Validate(context.Background(), Options{Stages: allStages()})
	if r.Valid {
		t.Fatal("expected invalid result")
	}
	for _, field := range []string{"store.root", "store.output_dir"} {
		if !hasIssue(r.Errors, field) {
			t.Errorf("expected error on %s, got %+v", field, r.Errors)
		}
	}
}

func TestValidateOnlyRequestedStages(t *testing.T) {
	d := newTestDoctor(t, afero.NewMemMapFs())
	d.cfg.Load.Command = "missing-loader"
	r := d.Validate(context.Background(), Options{Stages: []plan.Stage{plan.StageLoad}, SQLSrc: []string{"/x.sql"}, PasswordResolved: true})
	if !hasIssue(r.Errors, "load.command") {
		t.Errorf("expected load.command error, got %+v", r.Errors)
	}
	if hasIssue(r.Errors, "store.root") {
		t.Errorf("pull checks ran for a load-only command: %+v", r.Errors)
	}
}

func TestValidateMissingExecutables(t *testing.T) {
	d := newTestDoctor(t, storeFs(t))
	d.cfg.Transform.Command = "missing-json2sql"
	d.cfg.Load.Command = ""

	r := d.Validate(context.Background(), fullOptions())
	if r.Valid {
		t.Fatal("expected invalid result")
	}
	if !hasIssue(r.Errors, "transform.command") || !hasIssue(r.Errors, "load.command") {
		t.Errorf("unexpected errors: %+v", r.Errors)
	}
}

func TestValidateClusterNeedsSourceDir(t *testing.T) {
	d := newTestDoctor(t, storeFs(t))
	opts := fullOptions()
	opts.Stages = []plan.Stage{plan.StageTransform}
	opts.OnCluster = true
	opts.LogsSrc = []string{"/store/app1/tracking.log-1.gz"}

	r := d.Validate(context.Background(), opts)
	if r.Valid {
		t.Fatal("expected invalid result for file source in cluster mode")
	}
	if !hasIssue(r.Errors, "store.root") {
		t.Errorf("unexpected errors: %+v", r.Errors)
	}
	if !hasIssue(r.Warnings, "logs_src") {
		t.Errorf("expected warning for missing source, got %+v", r.Warnings)
	}
}

func TestValidateLedgerUnreachable(t *testing.T) {
	d := newTestDoctor(t, storeFs(t))
	opts := fullOptions()
	opts.Ledger = stubPinger{err: errors.New("load ledger unavailable: dial tcp: refused")}
	opts.PasswordResolved = false

	r := d.Validate(context.Background(), opts)
	if r.Valid {
		t.Fatal("expected invalid result")
	}
	if !hasIssue(r.Errors, "ledger") {
		t.Errorf("expected ledger error, got %+v", r.Errors)
	}
	if !hasIssue(r.Warnings, "ledger.password") {
		t.Errorf("expected password warning, got %+v", r.Warnings)
	}
}

func TestValidateIntegrityIssues(t *testing.T) {
	d := newTestDoctor(t, storeFs(t))
	opts := fullOptions()
	opts.Integrity = &config.IntegrityResult{Errors: []string{"hash mismatch for tracklog.yaml"}}

	r := d.Validate(context.Background(), opts)
	if r.Valid {
		t.Fatal("expected integrity error to invalidate result")
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR [integrity] hash mismatch") {
		t.Errorf("FormatHuman = %q", out)
	}

	js, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(js, `"valid": false`) {
		t.Errorf("FormatJSON = %s", js)
	}
}

func TestValidateDirRemote(t *testing.T) {
	d := newTestDoctor(t, storeFs(t))
	d.cfg.Remote.Kind = "dir"
	d.cfg.Remote.Dir = "/mirror"

	opts := fullOptions()
	opts.Stages = []plan.Stage{plan.StagePull}
	r := d.Validate(context.Background(), opts)
	if !hasIssue(r.Errors, "remote.dir") {
		t.Errorf("expected remote.dir error, got %+v", r.Errors)
	}
}

func TestValidateStateOnNetworkFilesystem(t *testing.T) {
	d := newTestDoctor(t, storeFs(t))
	d.cfg.State.Path = "/mnt/share/tracklog.db"
	d.cfg.State.LockPath = "/mnt/share/tracklog.lock"
	d.mountOf = func(path string) (storage.Mount, error) {
		return storage.Mount{Path: "/mnt/share", Type: "nfs", Network: true}, nil
	}

	r := d.Validate(context.Background(), Options{})
	if r.Valid {
		t.Fatal("expected network run history to be rejected")
	}
	if len(r.Errors) != 1 || r.Errors[0].Field != "state.path" {
		t.Fatalf("errors = %+v", r.Errors)
	}
	if len(r.Warnings) != 1 || r.Warnings[0].Field != "state.lock_path" {
		t.Fatalf("warnings = %+v", r.Warnings)
	}
}
