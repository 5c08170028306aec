package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// Mount is the filesystem a path lives on. Path is the nearest existing
// ancestor that was inspected.
type Mount struct {
	Path    string
	Type    string
	Network bool
}

// InspectMount reports the filesystem holding path, which need not exist yet.
func InspectMount(path string) (Mount, error) {
	return inspectMountWithDetector(path, detectFilesystemType)
}

func inspectMountWithDetector(path string, detector func(string) (string, error)) (Mount, error) {
	if path == "" {
		return Mount{}, fmt.Errorf("path is empty")
	}
	existing, err := nearestExistingPath(path)
	if err != nil {
		return Mount{}, fmt.Errorf("resolve path %q: %w", path, err)
	}
	fsType, err := detector(existing)
	if err != nil {
		return Mount{}, fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	return Mount{Path: existing, Type: fsType, Network: isNetworkFilesystem(fsType)}, nil
}

// ValidateSQLitePath ensures the run history database is on a local filesystem.
func ValidateSQLitePath(path string) error {
	return validateSQLiteFilesystemWithDetector(path, detectFilesystemType)
}

func validateSQLiteFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}
	m, err := inspectMountWithDetector(path, detector)
	if err != nil {
		return err
	}
	if m.Network {
		return fmt.Errorf(
			"database path %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. Use a local path via state.path (or --state /path/to/local/file.db)",
			path,
			m.Type,
		)
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	for candidate := absPath; ; {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
