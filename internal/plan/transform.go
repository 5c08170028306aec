package plan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/mattjoyce/tracklog/internal/naming"
)

// DefaultSubtrees are the store-root globs searched for source logs. The
// layout moved from <root>/appN to <root>/tracking/appN; both are searched.
var DefaultSubtrees = []string{"app*", filepath.Join("tracking", "app*")}

// LocalInventory enumerates files on the ingestion host.
type LocalInventory interface {
	List(ctx context.Context, roots ...string) ([]string, error)
	Expand(ctx context.Context, entries []string, suffix string) ([]string, error)
}

// TransformRequest parameterizes one transform planning pass.
type TransformRequest struct {
	// Sources are explicit files or directories. Empty means discover
	// candidates under the store root.
	Sources   []string
	OutputDir string
}

// TransformPlanner finds local logs that have no marker in the output
// directory.
type TransformPlanner struct {
	fs        afero.Fs
	inv       LocalInventory
	norm      *naming.Normalizer
	storeRoot string
	subtrees  []string
	logger    *slog.Logger
}

func NewTransformPlanner(fs afero.Fs, inv LocalInventory, norm *naming.Normalizer, storeRoot string, subtrees []string, logger *slog.Logger) *TransformPlanner {
	if len(subtrees) == 0 {
		subtrees = DefaultSubtrees
	}
	// Inventory paths are absolute; the root must be too for Rel to work.
	if storeRoot != "" {
		if abs, err := filepath.Abs(storeRoot); err == nil {
			storeRoot = abs
		}
	}
	return &TransformPlanner{fs: fs, inv: inv, norm: norm, storeRoot: storeRoot, subtrees: subtrees, logger: logger}
}

// Plan returns candidate logs whose key is absent from the marker key set.
func (p *TransformPlanner) Plan(ctx context.Context, req TransformRequest) (WorkList, error) {
	if req.OutputDir == "" {
		return WorkList{}, fmt.Errorf("transform output directory is empty")
	}

	candidates, err := p.candidates(ctx, req.Sources)
	if err != nil {
		return WorkList{}, fmt.Errorf("plan transform: %w", err)
	}

	done, err := p.markerKeys(req.OutputDir)
	if err != nil {
		return WorkList{}, fmt.Errorf("plan transform: %w", err)
	}

	wl := WorkList{stage: StageTransform}
	for _, path := range candidates {
		key, err := p.norm.Normalize(p.relativeName(path))
		if err != nil {
			p.logger.Warn("excluding unrecognized source file", "path", path, "error", err)
			wl.skip(SkipUnrecognized)
			continue
		}
		if done.Has(key) {
			wl.skip(SkipAlreadyTransformed)
			continue
		}
		ref := naming.LogFileRef{Key: key, RawPath: path, Origin: naming.OriginLocal}
		if info, err := p.fs.Stat(path); err == nil {
			ref.Size = info.Size()
			ref.SizeKnown = true
		}
		wl.items = append(wl.items, ref)
	}
	return wl, nil
}

func (p *TransformPlanner) candidates(ctx context.Context, sources []string) ([]string, error) {
	suffix := p.norm.Conventions().LogSuffix
	if len(sources) > 0 {
		return p.inv.Expand(ctx, sources, suffix)
	}
	if p.storeRoot == "" {
		return nil, fmt.Errorf("no sources given and store root is empty")
	}

	var roots []string
	for _, pattern := range p.subtrees {
		matches, err := afero.Glob(p.fs, filepath.Join(p.storeRoot, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if info, err := p.fs.Stat(m); err == nil && info.IsDir() {
				roots = append(roots, m)
			}
		}
	}
	if len(roots) == 0 {
		p.logger.Info("no source subtrees found under store root", "root", p.storeRoot, "patterns", p.subtrees)
		return nil, nil
	}

	files, err := p.inv.List(ctx, roots...)
	if err != nil {
		return nil, err
	}
	out := files[:0]
	for _, f := range files {
		if strings.HasSuffix(f, suffix) {
			out = append(out, f)
		}
	}
	return out, nil
}

// markerKeys normalizes every marker in dir. A missing directory means
// nothing has been transformed yet.
func (p *TransformPlanner) markerKeys(dir string) (naming.KeySet, error) {
	keys := naming.NewKeySet()
	entries, err := afero.ReadDir(p.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Info("output directory does not exist, every candidate is outstanding", "dir", dir)
			return keys, nil
		}
		return nil, fmt.Errorf("read output directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !p.norm.IsMarker(e.Name()) {
			continue
		}
		key, err := p.norm.Normalize(e.Name())
		if err != nil {
			p.logger.Warn("ignoring unrecognized marker", "name", e.Name(), "error", err)
			continue
		}
		keys.Add(key)
	}
	return keys, nil
}

// relativeName is the path used for key derivation: relative to the store
// root when the file lives under it. Otherwise it is relative to the parent
// of the nearest ancestor named like a subtree (appN), and failing that the
// last two elements.
func (p *TransformPlanner) relativeName(path string) string {
	if p.storeRoot != "" {
		if rel, err := filepath.Rel(p.storeRoot, path); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return rel
		}
	}
	for dir := filepath.Dir(path); ; {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		if p.isSubtreeDir(filepath.Base(dir)) {
			if rel, err := filepath.Rel(parent, path); err == nil {
				return rel
			}
		}
		dir = parent
	}
	return filepath.Join(filepath.Base(filepath.Dir(path)), filepath.Base(path))
}

// isSubtreeDir reports whether name matches the last element of a subtree glob.
func (p *TransformPlanner) isSubtreeDir(name string) bool {
	for _, pattern := range p.subtrees {
		if ok, err := filepath.Match(filepath.Base(pattern), name); err == nil && ok {
			return true
		}
	}
	return false
}
