package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFileName is written next to the config file by `config lock`.
const ChecksumFileName = ".checksums"

// ChecksumManifest is the on-disk .checksums document. Keys are paths
// relative to the config directory, slash separated.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockedFile is the checksum outcome for one file.
type LockedFile struct {
	Filename string
	Path     string
	Exists   bool
	Hash     string
}

// LockReport describes what `config lock` hashed and wrote.
type LockReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []LockedFile
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// Lock hashes the config file at configPath, plus every transform and load
// executable it names from inside its directory, and writes .checksums next
// to it. The load executable receives the database password, so a swapped
// script is as serious as an edited config.
func Lock(configPath string, dryRun bool) (*LockReport, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(absPath)
	files := append([]string{filepath.Base(absPath)}, lockedExecutables(cfg, dir)...)
	return writeChecksums(dir, files, dryRun)
}

// lockedExecutables lists the configured commands that live under dir, as
// manifest keys. Commands looked up on PATH are not locked.
func lockedExecutables(cfg *Config, dir string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, cmd := range []string{cfg.Transform.Command, cfg.Transform.ClusterCommand, cfg.Load.Command} {
		if !strings.ContainsRune(cmd, '/') || strings.HasPrefix(cmd, "~") {
			continue
		}
		path := cmd
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		key := filepath.ToSlash(rel)
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// writeChecksums hashes files (manifest keys under configDir) and, unless
// dryRun, writes the manifest.
func writeChecksums(configDir string, files []string, dryRun bool) (*LockReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}

	report := &LockReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ChecksumFileName),
		Files:        make([]LockedFile, 0, len(files)),
	}

	for _, key := range files {
		filePath := filepath.Join(configDir, filepath.FromSlash(key))

		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			report.Files = append(report.Files, LockedFile{Filename: key, Path: filePath})
			continue
		}

		hash, err := ComputeBlake3Hash(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", key, err)
		}

		manifest.Hashes[key] = hash
		report.Files = append(report.Files, LockedFile{
			Filename: key,
			Path:     filePath,
			Exists:   true,
			Hash:     hash,
		})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	if err := os.WriteFile(report.ChecksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true

	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	checksumPath := filepath.Join(configDir, ChecksumFileName)

	data, err := os.ReadFile(checksumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'tracklog config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}
