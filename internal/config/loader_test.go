package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config, dir string)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
store:
  root: /data/tracking
`,
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				if cfg.Store.OutputDir != "/data/tracking/CSV" {
					t.Errorf("output_dir = %q", cfg.Store.OutputDir)
				}
				if cfg.Store.LoadLogDir != "/data/tracking/Logs" {
					t.Errorf("load_log_dir = %q", cfg.Store.LoadLogDir)
				}
				if cfg.Remote.Kind != "s3" || cfg.Remote.Bucket != "stanford-edx-logs" {
					t.Errorf("remote defaults not applied: %+v", cfg.Remote)
				}
				if cfg.Ledger.Table != "LoadInfo" || cfg.Ledger.Column != "load_file" {
					t.Errorf("ledger defaults not applied: %+v", cfg.Ledger)
				}
				if cfg.Ledger.Port != 3306 {
					t.Errorf("ledger.port = %d", cfg.Ledger.Port)
				}
				if cfg.State.Path != filepath.Join(dir, "data/tracklog.db") {
					t.Errorf("state.path not anchored at config dir: %q", cfg.State.Path)
				}
				if cfg.Service.LogLevel != "info" {
					t.Errorf("log_level = %q", cfg.Service.LogLevel)
				}
				if len(cfg.Store.Subtrees) != 2 {
					t.Errorf("subtrees = %v", cfg.Store.Subtrees)
				}
				if cfg.Node == nil || cfg.SourceFile == "" {
					t.Error("source metadata not recorded")
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
store:
  root: ${TRACKLOG_ROOT}
ledger:
  user: loader
  password: ${TRACKLOG_DB_PASSWORD}
transform:
  timeout: 2h
`,
			env: map[string]string{
				"TRACKLOG_ROOT":        "/srv/logs",
				"TRACKLOG_DB_PASSWORD": "secret123",
			},
			checkFn: func(t *testing.T, cfg *Config, _ string) {
				if cfg.Store.Root != "/srv/logs" {
					t.Errorf("store.root = %q", cfg.Store.Root)
				}
				if cfg.Ledger.Password != "secret123" {
					t.Error("ledger.password not interpolated")
				}
				if cfg.Transform.Timeout != 2*time.Hour {
					t.Errorf("transform.timeout = %v", cfg.Transform.Timeout)
				}
			},
		},
		{
			name: "unset secret is rejected",
			yaml: `
ledger:
  password: ${TRACKLOG_TEST_UNSET_PASSWORD}
`,
			wantErr: "TRACKLOG_TEST_UNSET_PASSWORD",
		},
		{
			name: "dir remote requires dir",
			yaml: `
remote:
  kind: dir
  bucket: logs
`,
			wantErr: "remote.dir is required",
		},
		{
			name: "dir remote resolved relative to config",
			yaml: `
remote:
  kind: dir
  dir: mirror
  bucket: logs
ledger:
  driver: sqlite
  dsn: ledger.db
`,
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				if cfg.Remote.Dir != filepath.Join(dir, "mirror") {
					t.Errorf("remote.dir = %q", cfg.Remote.Dir)
				}
				if cfg.Ledger.DSN != filepath.Join(dir, "ledger.db") {
					t.Errorf("ledger.dsn = %q", cfg.Ledger.DSN)
				}
				if cfg.Ledger.Database != "" {
					t.Errorf("sqlite ledger should not get a database default, got %q", cfg.Ledger.Database)
				}
			},
		},
		{
			name: "unknown ledger driver",
			yaml: `
ledger:
  driver: oracle
`,
			wantErr: "ledger.driver",
		},
		{
			name: "bad log level",
			yaml: `
service:
  log_level: chatty
`,
			wantErr: "service.log_level",
		},
		{
			name:    "malformed yaml",
			yaml:    "store: [unclosed",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			path := writeConfig(t, dir, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg, dir)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "store:\n  root: /x\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) failed: %v", err)
	}
	if cfg.SourceFile != filepath.Join(dir, ConfigFileName) {
		t.Errorf("SourceFile = %q", cfg.SourceFile)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for directory without tracklog.yaml")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefaults(t *testing.T) {
	cfg, err := LoadOrDefaults("")
	if err != nil {
		t.Fatalf("LoadOrDefaults() failed: %v", err)
	}
	if cfg.Store.Root != "" || cfg.Store.OutputDir != "" {
		t.Errorf("store should stay unset without a root: %+v", cfg.Store)
	}
	if cfg.Ledger.Driver != "mysql" {
		t.Errorf("ledger.driver = %q", cfg.Ledger.Driver)
	}
}

func TestApplyStoreDefaultsKeepsExplicitDirs(t *testing.T) {
	s := StoreConfig{Root: "/r", OutputDir: "/elsewhere"}
	ApplyStoreDefaults(&s)
	if s.OutputDir != "/elsewhere" {
		t.Errorf("output_dir overwritten: %q", s.OutputDir)
	}
	if s.LoadLogDir != "/r/Logs" {
		t.Errorf("load_log_dir = %q", s.LoadLogDir)
	}
}

func TestInterpolateEnvLeavesUnknown(t *testing.T) {
	t.Setenv("TRACKLOG_KNOWN", "yes")
	got := interpolateEnv("${TRACKLOG_KNOWN}/${TRACKLOG_TEST_UNKNOWN}")
	if got != "yes/${TRACKLOG_TEST_UNKNOWN}" {
		t.Errorf("interpolateEnv() = %q", got)
	}
}

func TestLoadResolvesCommandPaths(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
transform:
  command: scripts/json2sql.py
  cluster_command: transformGivenLogfilesOnCluster.sh
load:
  command: /opt/bin/executeCSVBulkLoad.sh
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Transform.Command != filepath.Join(dir, "scripts/json2sql.py") {
		t.Errorf("transform.command = %q", cfg.Transform.Command)
	}
	if cfg.Transform.ClusterCommand != "transformGivenLogfilesOnCluster.sh" {
		t.Errorf("bare command rewritten: %q", cfg.Transform.ClusterCommand)
	}
	if cfg.Load.Command != "/opt/bin/executeCSVBulkLoad.sh" {
		t.Errorf("load.command = %q", cfg.Load.Command)
	}
}

func TestLoadExpandsHomeDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := writeConfig(t, t.TempDir(), `
store:
  root: ~/Data/EdX
transform:
  command: ~/bin/json2sql.py
`)

	cfg, err := LoadOrDefaults(path)
	if err != nil {
		t.Fatalf("LoadOrDefaults() failed: %v", err)
	}
	for name, got := range map[string]string{
		"store.root":         cfg.Store.Root,
		"store.output_dir":   cfg.Store.OutputDir,
		"store.load_log_dir": cfg.Store.LoadLogDir,
		"transform.command":  cfg.Transform.Command,
	} {
		if !strings.HasPrefix(got, home+string(filepath.Separator)) {
			t.Errorf("%s = %q, want it under %s", name, got, home)
		}
	}
	if cfg.Store.OutputDir != filepath.Join(home, "Data", "EdX", "CSV") {
		t.Errorf("store.output_dir = %q", cfg.Store.OutputDir)
	}
}
