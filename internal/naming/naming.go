// Package naming derives comparison keys for tracking log files.
//
// The same logical log file shows up under several path shapes: the remote
// object name, the local copy (whose directory layout changed between eras),
// the marker file written by the transform stage, and the absolute path the
// loader records in the ledger. A Normalizer collapses all of them onto one
// Key so planners can diff populations with plain set operations.
package naming

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrUnrecognizedFileFormat is returned when a name carries no log suffix or
// reduces to nothing once noise elements are removed.
var ErrUnrecognizedFileFormat = errors.New("unrecognized file format")

// DefaultFilePattern matches remote objects that are tracking logs.
const DefaultFilePattern = `tracking\.log-[0-9]{8}[-0-9]*\.gz$`

// Key is the canonical identity of a log file. It is never persisted.
type Key string

// Conventions describes how log files and markers are named.
type Conventions struct {
	NoiseToken   string
	LogSuffix    string
	MarkerSuffix string
	Joiner       string
	FilePattern  string
}

// DefaultConventions returns the naming used by the tracking log pipeline.
func DefaultConventions() Conventions {
	return Conventions{
		NoiseToken:   "tracking",
		LogSuffix:    ".gz",
		MarkerSuffix: ".sql",
		Joiner:       ".",
		FilePattern:  DefaultFilePattern,
	}
}

// Normalizer turns raw names into Keys. It is stateless and safe for
// concurrent use.
type Normalizer struct {
	conv    Conventions
	pattern *regexp.Regexp
}

// NewNormalizer validates conv and compiles its file pattern. Empty fields
// fall back to DefaultConventions.
func NewNormalizer(conv Conventions) (*Normalizer, error) {
	def := DefaultConventions()
	if conv.NoiseToken == "" {
		conv.NoiseToken = def.NoiseToken
	}
	if conv.LogSuffix == "" {
		conv.LogSuffix = def.LogSuffix
	}
	if conv.MarkerSuffix == "" {
		conv.MarkerSuffix = def.MarkerSuffix
	}
	if conv.Joiner == "" {
		conv.Joiner = def.Joiner
	}
	if conv.FilePattern == "" {
		conv.FilePattern = def.FilePattern
	}
	if strings.Contains(conv.NoiseToken, conv.Joiner) {
		return nil, fmt.Errorf("noise token %q must not contain joiner %q", conv.NoiseToken, conv.Joiner)
	}
	re, err := regexp.Compile(conv.FilePattern)
	if err != nil {
		return nil, fmt.Errorf("compile file pattern: %w", err)
	}
	return &Normalizer{conv: conv, pattern: re}, nil
}

// MustNormalizer is NewNormalizer for conventions known to be valid.
func MustNormalizer(conv Conventions) *Normalizer {
	n, err := NewNormalizer(conv)
	if err != nil {
		panic(err)
	}
	return n
}

// Conventions returns the effective conventions.
func (n *Normalizer) Conventions() Conventions { return n.conv }

// Normalize computes the Key for a source path, remote object name or marker
// file name.
//
//	app10/tracking.log-20130609.gz                         -> tracking.app10.log-20130609
//	tracking/app10/tracking.log-20130609.gz                -> tracking.app10.log-20130609
//	tracking.app10.tracking.log-20130609.gz.<ts>_<pid>.sql -> tracking.app10.log-20130609
func (n *Normalizer) Normalize(name string) (Key, error) {
	stem, ok := n.stem(name)
	if !ok {
		return "", fmt.Errorf("%w: %q has no %q suffix", ErrUnrecognizedFileFormat, name, n.conv.LogSuffix)
	}

	stem = strings.ReplaceAll(filepath.ToSlash(stem), "/", n.conv.Joiner)
	parts := strings.Split(stem, n.conv.Joiner)
	kept := make([]string, 0, len(parts)+1)
	kept = append(kept, n.conv.NoiseToken)
	for _, p := range parts {
		if p == "" || p == n.conv.NoiseToken {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 1 {
		return "", fmt.Errorf("%w: %q has no identifying elements", ErrUnrecognizedFileFormat, name)
	}
	return Key(strings.Join(kept, n.conv.Joiner)), nil
}

// SourcePrefix returns name truncated just after the log suffix. It is the
// part of a marker name that identifies its source file. ok is false when
// the name carries no log suffix.
func (n *Normalizer) SourcePrefix(name string) (string, bool) {
	i := n.suffixIndex(name)
	if i < 0 {
		return "", false
	}
	return name[:i+len(n.conv.LogSuffix)], true
}

// IsLogFile reports whether name ends with the log suffix.
func (n *Normalizer) IsLogFile(name string) bool {
	return strings.HasSuffix(name, n.conv.LogSuffix)
}

// IsMarker reports whether name ends with the marker suffix.
func (n *Normalizer) IsMarker(name string) bool {
	return strings.HasSuffix(name, n.conv.MarkerSuffix)
}

// MatchesPattern reports whether a remote object name is a recognized log.
func (n *Normalizer) MatchesPattern(name string) bool {
	return n.pattern.MatchString(name)
}

// ToJoined replaces path separators with the joiner, giving a path the same
// shape as a marker name.
func (n *Normalizer) ToJoined(path string) string {
	return strings.ReplaceAll(filepath.ToSlash(path), "/", n.conv.Joiner)
}

func (n *Normalizer) stem(name string) (string, bool) {
	i := n.suffixIndex(name)
	if i < 0 {
		return "", false
	}
	return name[:i], true
}

// suffixIndex finds the first log suffix that ends the name or is directly
// followed by the joiner. Markers append ".<timestamp>_<pid>.sql" after it.
func (n *Normalizer) suffixIndex(name string) int {
	suffix := n.conv.LogSuffix
	offset := 0
	for {
		i := strings.Index(name[offset:], suffix)
		if i < 0 {
			return -1
		}
		i += offset
		end := i + len(suffix)
		if end == len(name) || strings.HasPrefix(name[end:], n.conv.Joiner) {
			return i
		}
		offset = i + 1
	}
}
