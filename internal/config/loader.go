package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ConfigFileName is looked up when Load is given a directory.
const ConfigFileName = "tracklog.yaml"

// Load reads and parses configuration from a file or a directory holding
// tracklog.yaml. Relative paths inside the file resolve against its directory.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFile = absPath

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)
	resolveRelativePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefaults loads configPath when it is set, and returns validated
// defaults otherwise. Commands driven entirely by flags use this.
func LoadOrDefaults(configPath string) (*Config, error) {
	if configPath == "" {
		cfg := applyConfigDefaults(&Config{})
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return Load(configPath)
}

// ResolvePath turns a file or directory argument into the config file path.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, ConfigFileName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", ConfigFileName, absPath)
		}
	}
	return absPath, nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var node yaml.Node
	if err := yaml.Unmarshal([]byte(interpolated), &node); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var cfg Config
	if err := node.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.Node = &node
	return &cfg, nil
}

// verifyConfigHash checks the file against .checksums in its directory.
// A directory without .checksums is not verified.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: tracklog config lock --config %s", basename, dir, path)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: tracklog config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.HistoryRetention == 0 {
		cfg.Service.HistoryRetention = defaults.Service.HistoryRetention
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.LockPath == "" {
		cfg.State.LockPath = defaults.State.LockPath
	}

	if len(cfg.Store.Subtrees) == 0 {
		cfg.Store.Subtrees = defaults.Store.Subtrees
	}
	ApplyStoreDefaults(&cfg.Store)

	if cfg.Remote.Kind == "" {
		cfg.Remote.Kind = defaults.Remote.Kind
	}
	if cfg.Remote.Kind == "s3" {
		if cfg.Remote.Bucket == "" {
			cfg.Remote.Bucket = defaults.Remote.Bucket
		}
		if cfg.Remote.Region == "" {
			cfg.Remote.Region = defaults.Remote.Region
		}
	}
	if cfg.Remote.MaxRetries == 0 {
		cfg.Remote.MaxRetries = defaults.Remote.MaxRetries
	}
	if cfg.Remote.Concurrency == 0 {
		cfg.Remote.Concurrency = defaults.Remote.Concurrency
	}

	if cfg.Transform.Command == "" {
		cfg.Transform.Command = defaults.Transform.Command
	}
	if cfg.Transform.ClusterCommand == "" {
		cfg.Transform.ClusterCommand = defaults.Transform.ClusterCommand
	}
	if cfg.Load.Command == "" {
		cfg.Load.Command = defaults.Load.Command
		cfg.Load.PassPassword = defaults.Load.PassPassword
	}

	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = defaults.Ledger.Driver
	}
	if cfg.Ledger.Driver == "mysql" {
		if cfg.Ledger.Host == "" && cfg.Ledger.DSN == "" {
			cfg.Ledger.Host = defaults.Ledger.Host
		}
		if cfg.Ledger.Port == 0 {
			cfg.Ledger.Port = defaults.Ledger.Port
		}
	}
	if cfg.Ledger.Database == "" && cfg.Ledger.Driver != "sqlite" {
		cfg.Ledger.Database = defaults.Ledger.Database
	}
	if cfg.Ledger.PasswordFile == "" {
		cfg.Ledger.PasswordFile = defaults.Ledger.PasswordFile
	}
	if cfg.Ledger.Table == "" {
		cfg.Ledger.Table = defaults.Ledger.Table
	}
	if cfg.Ledger.Column == "" {
		cfg.Ledger.Column = defaults.Ledger.Column
	}
	if cfg.Ledger.Timeout == 0 {
		cfg.Ledger.Timeout = defaults.Ledger.Timeout
	}

	return cfg
}

// ApplyStoreDefaults derives output_dir and load_log_dir from root. Call it
// again after a flag overrides the root.
func ApplyStoreDefaults(s *StoreConfig) {
	if s.Root == "" {
		return
	}
	if s.OutputDir == "" {
		s.OutputDir = filepath.Join(s.Root, "CSV")
	}
	if s.LoadLogDir == "" {
		s.LoadLogDir = filepath.Join(s.Root, "Logs")
	}
}

// resolveRelativePaths expands a leading ~ and anchors the remaining
// relative filesystem settings at baseDir.
func resolveRelativePaths(cfg *Config, baseDir string) {
	for _, p := range []*string{
		&cfg.State.Path,
		&cfg.State.LockPath,
		&cfg.Store.Root,
		&cfg.Store.OutputDir,
		&cfg.Store.LoadLogDir,
		&cfg.Remote.Dir,
		&cfg.Remote.CredentialsFile,
	} {
		*p = expandHome(*p)
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	// Bare command names are looked up on PATH.
	for _, p := range []*string{&cfg.Transform.Command, &cfg.Transform.ClusterCommand, &cfg.Load.Command} {
		*p = expandHome(*p)
		if strings.ContainsRune(*p, '/') && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	if cfg.Ledger.Driver == "sqlite" && cfg.Ledger.DSN != "" {
		cfg.Ledger.DSN = expandHome(cfg.Ledger.DSN)
		if !filepath.IsAbs(cfg.Ledger.DSN) {
			cfg.Ledger.DSN = filepath.Join(baseDir, cfg.Ledger.DSN)
		}
	}
}

// expandHome replaces a leading "~" or "~/" with the user's home directory.
// Paths naming another user (~bob/...) and unresolvable homes are returned
// unchanged.
func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate rejects it where it matters.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	switch cfg.Remote.Kind {
	case "s3", "gcs":
		if cfg.Remote.Bucket == "" {
			return fmt.Errorf("remote.bucket is required for kind %q", cfg.Remote.Kind)
		}
	case "dir":
		if cfg.Remote.Dir == "" {
			return fmt.Errorf("remote.dir is required for kind \"dir\"")
		}
	default:
		return fmt.Errorf("remote.kind must be one of: s3, gcs, dir (got %q)", cfg.Remote.Kind)
	}
	if cfg.Remote.Concurrency < 0 {
		return fmt.Errorf("remote.concurrency must not be negative")
	}

	if cfg.Transform.Timeout < 0 || cfg.Load.Timeout < 0 {
		return fmt.Errorf("executable timeouts must not be negative")
	}

	switch cfg.Ledger.Driver {
	case "mysql", "postgres":
	case "sqlite":
		if cfg.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for driver \"sqlite\"")
		}
	default:
		return fmt.Errorf("ledger.driver must be one of: mysql, postgres, sqlite (got %q)", cfg.Ledger.Driver)
	}

	// No secrets reach the logs as literal placeholders.
	for field, v := range map[string]string{
		"ledger.password":         cfg.Ledger.Password,
		"ledger.dsn":              cfg.Ledger.DSN,
		"ledger.user":             cfg.Ledger.User,
		"remote.credentials_file": cfg.Remote.CredentialsFile,
	} {
		if m := envVarPattern.FindStringSubmatch(v); len(m) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
		}
	}

	return nil
}
