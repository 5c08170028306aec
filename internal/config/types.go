package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tracklog configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Store     StoreConfig     `yaml:"store"`
	Remote    RemoteConfig    `yaml:"remote"`
	Naming    NamingConfig    `yaml:"naming"`
	Transform TransformConfig `yaml:"transform"`
	Load      LoadConfig      `yaml:"load"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty"`

	// SourceFile is the absolute path the config was read from.
	SourceFile string `yaml:"-"`
	// Node is the parsed document, kept for position-aware diagnostics.
	Node *yaml.Node `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// LogFile enables rotating file output instead of stdout.
	LogFile          string        `yaml:"log_file,omitempty"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// StateConfig defines local state storage settings.
type StateConfig struct {
	Path     string `yaml:"path"`
	LockPath string `yaml:"lock_path"`
}

// StoreConfig describes the local log store.
type StoreConfig struct {
	// Root is the local mirror of the remote bucket.
	Root string `yaml:"root"`
	// OutputDir receives transform artifacts. Defaults to <root>/CSV.
	OutputDir string `yaml:"output_dir"`
	// LoadLogDir receives load executable logs. Defaults to <root>/Logs.
	LoadLogDir string `yaml:"load_log_dir"`
	// Subtrees are globs under Root scanned for raw logs.
	Subtrees []string `yaml:"subtrees,omitempty"`
}

// RemoteConfig selects the object store holding authoritative logs.
type RemoteConfig struct {
	Kind            string `yaml:"kind"` // s3, gcs or dir
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region,omitempty"`
	Profile         string `yaml:"profile,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	MaxRetries      int    `yaml:"max_retries,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	Dir             string `yaml:"dir,omitempty"`
	Concurrency     int    `yaml:"concurrency"`
}

// NamingConfig overrides the file naming conventions.
type NamingConfig struct {
	NoiseToken   string `yaml:"noise_token,omitempty"`
	LogSuffix    string `yaml:"log_suffix,omitempty"`
	MarkerSuffix string `yaml:"marker_suffix,omitempty"`
	Joiner       string `yaml:"joiner,omitempty"`
	FilePattern  string `yaml:"file_pattern,omitempty"`
}

// TransformConfig names the transform executables.
type TransformConfig struct {
	Command        string        `yaml:"command"`
	ClusterCommand string        `yaml:"cluster_command,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
}

// LoadConfig names the load executable.
type LoadConfig struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// PassPassword hands the resolved password to the executable with -w.
	PassPassword bool `yaml:"pass_password"`
}

// LedgerConfig locates the table recording loaded files.
type LedgerConfig struct {
	Driver       string        `yaml:"driver"` // mysql, postgres or sqlite
	DSN          string        `yaml:"dsn,omitempty"`
	Host         string        `yaml:"host,omitempty"`
	Port         int           `yaml:"port,omitempty"`
	Database     string        `yaml:"database"`
	User         string        `yaml:"user,omitempty"`
	Password     string        `yaml:"password,omitempty"`
	PasswordFile string        `yaml:"password_file,omitempty"`
	Table        string        `yaml:"table"`
	Column       string        `yaml:"column"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// MetricsConfig enables the status endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "tracklog",
			LogLevel:         "info",
			LogFormat:        "text",
			HistoryRetention: 90 * 24 * time.Hour,
		},
		State: StateConfig{
			Path:     "./data/tracklog.db",
			LockPath: "./data/tracklog.lock",
		},
		Store: StoreConfig{
			Subtrees: []string{"app*", "tracking/app*"},
		},
		Remote: RemoteConfig{
			Kind:        "s3",
			Bucket:      "stanford-edx-logs",
			Region:      "us-east-1",
			MaxRetries:  10,
			Concurrency: 4,
		},
		Transform: TransformConfig{
			Command:        "json2sql.py",
			ClusterCommand: "transformGivenLogfilesOnCluster.sh",
		},
		Load: LoadConfig{
			Command:      "executeCSVBulkLoad.sh",
			PassPassword: true,
		},
		Ledger: LedgerConfig{
			Driver:       "mysql",
			Host:         "localhost",
			Port:         3306,
			Database:     "Edx",
			PasswordFile: "~/.ssh/mysql_root",
			Table:        "LoadInfo",
			Column:       "load_file",
			Timeout:      30 * time.Second,
		},
	}
}
