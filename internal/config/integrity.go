package config

import (
	"fmt"
	"path/filepath"
	"sort"
)

// IntegrityResult collects the outcome of VerifyIntegrity.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// VerifyIntegrity checks the config file and the executables locked with it
// against the .checksums manifest. A missing manifest or a locked executable
// that has since been removed is a warning; any mismatch is an error.
func VerifyIntegrity(configPath string) (*IntegrityResult, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}
	result := &IntegrityResult{Passed: true}

	dir := filepath.Dir(absPath)
	manifest, err := LoadChecksums(dir)
	if err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no %s manifest found in %s; run 'tracklog config lock' to enable integrity verification", ChecksumFileName, dir))
		return result, nil
	}

	name := filepath.Base(absPath)
	if _, ok := manifest.Hashes[name]; !ok {
		result.Passed = false
		result.Errors = append(result.Errors, fmt.Sprintf("file %s not in %s manifest", name, ChecksumFileName))
		return result, nil
	}

	keys := make([]string, 0, len(manifest.Hashes))
	for k := range manifest.Hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		path := filepath.Join(dir, filepath.FromSlash(key))
		actualHash, err := ComputeBlake3Hash(path)
		if err != nil {
			if key == name {
				result.Passed = false
				result.Errors = append(result.Errors, fmt.Sprintf("failed to hash %s: %v", path, err))
			} else {
				result.Warnings = append(result.Warnings, fmt.Sprintf("locked file %s is no longer readable: %v", path, err))
			}
			continue
		}
		if expected := manifest.Hashes[key]; actualHash != expected {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", path, expected, actualHash))
		}
	}
	return result, nil
}
