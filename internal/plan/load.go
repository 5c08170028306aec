package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/mattjoyce/tracklog/internal/ledger"
	"github.com/mattjoyce/tracklog/internal/naming"
)

//go:generate mockgen -destination=mocks/mock_ledger.go -package=mocks github.com/mattjoyce/tracklog/internal/plan Ledger

// Ledger reports which source paths have been loaded.
type Ledger interface {
	LoadedSourcePaths(ctx context.Context) (map[string]struct{}, error)
}

// LoadRequest parameterizes one load planning pass.
type LoadRequest struct {
	OutputDir string
	// Markers, when set, restricts planning to these marker files.
	Markers []string
}

// LoadPlanner finds markers whose source file is not yet in the ledger.
type LoadPlanner struct {
	fs     afero.Fs
	ledger Ledger
	norm   *naming.Normalizer
	logger *slog.Logger
}

func NewLoadPlanner(fs afero.Fs, l Ledger, norm *naming.Normalizer, logger *slog.Logger) *LoadPlanner {
	return &LoadPlanner{fs: fs, ledger: l, norm: norm, logger: logger}
}

type markerCandidate struct {
	path   string
	prefix string
}

// Plan queries the ledger first; if it is unavailable planning aborts with
// an error wrapping ledger.ErrLedgerUnavailable. A marker is outstanding
// when no ledger entry ends with the marker's source prefix.
func (p *LoadPlanner) Plan(ctx context.Context, req LoadRequest) (WorkList, error) {
	loaded, err := p.ledger.LoadedSourcePaths(ctx)
	if err != nil {
		if !errors.Is(err, ledger.ErrLedgerUnavailable) {
			err = fmt.Errorf("%w: %w", ledger.ErrLedgerUnavailable, err)
		}
		return WorkList{}, fmt.Errorf("plan load: %w", err)
	}

	paths, err := p.markerPaths(req)
	if err != nil {
		return WorkList{}, fmt.Errorf("plan load: %w", err)
	}

	wl := WorkList{stage: StageLoad}
	markers := make([]markerCandidate, 0, len(paths))
	for _, path := range paths {
		name := filepath.Base(path)
		if !p.norm.IsMarker(name) {
			p.logger.Warn("skipping file without marker suffix", "path", path)
			wl.skip(SkipUnrecognized)
			continue
		}
		prefix, ok := p.norm.SourcePrefix(name)
		if !ok {
			p.logger.Warn("skipping marker without source prefix", "path", path)
			wl.skip(SkipUnrecognized)
			continue
		}
		markers = append(markers, markerCandidate{path: path, prefix: prefix})
	}
	if len(markers) == 0 {
		return wl, nil
	}

	idx := newSuffixIndex(markers, loaded, p.norm)
	for _, m := range markers {
		if idx.matches(m.prefix) {
			wl.skip(SkipAlreadyLoaded)
			continue
		}
		ref := naming.LogFileRef{RawPath: m.path, Origin: naming.OriginTransformOutput}
		if key, err := p.norm.Normalize(filepath.Base(m.path)); err == nil {
			ref.Key = key
		}
		wl.items = append(wl.items, ref)
	}
	return wl, nil
}

func (p *LoadPlanner) markerPaths(req LoadRequest) ([]string, error) {
	if len(req.Markers) > 0 {
		out := make([]string, 0, len(req.Markers))
		for _, m := range req.Markers {
			info, err := p.fs.Stat(m)
			if err != nil || info.IsDir() {
				p.logger.Warn("ignoring missing marker", "path", m, "error", err)
				continue
			}
			out = append(out, m)
		}
		return out, nil
	}

	if req.OutputDir == "" {
		return nil, fmt.Errorf("transform output directory is empty")
	}
	entries, err := afero.ReadDir(p.fs, req.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Warn("output directory does not exist, nothing to load", "dir", req.OutputDir)
			return nil, nil
		}
		return nil, fmt.Errorf("read output directory: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !p.norm.IsMarker(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(req.OutputDir, e.Name()))
	}
	return out, nil
}

// suffixIndex buckets ledger entries by their last n characters, where n is
// the shortest marker prefix. A prefix can then only match entries in the
// bucket named by its own last n characters, which keeps the check close to
// linear in the ledger size.
type suffixIndex struct {
	n       int
	buckets map[string][]string
}

func newSuffixIndex(markers []markerCandidate, loaded map[string]struct{}, norm *naming.Normalizer) *suffixIndex {
	n := len(markers[0].prefix)
	for _, m := range markers[1:] {
		n = min(n, len(m.prefix))
	}
	idx := &suffixIndex{n: n, buckets: make(map[string][]string)}
	for p := range loaded {
		joined := norm.ToJoined(p)
		if len(joined) < n {
			continue
		}
		tail := joined[len(joined)-n:]
		idx.buckets[tail] = append(idx.buckets[tail], joined)
	}
	return idx
}

func (s *suffixIndex) matches(prefix string) bool {
	for _, entry := range s.buckets[prefix[len(prefix)-s.n:]] {
		if strings.HasSuffix(entry, prefix) {
			return true
		}
	}
	return false
}
