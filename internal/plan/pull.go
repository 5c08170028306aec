package plan

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/mattjoyce/tracklog/internal/naming"
)

// RemoteInventory lists recognized remote logs in store order.
type RemoteInventory interface {
	List(ctx context.Context) iter.Seq2[naming.LogFileRef, error]
}

// PullRequest parameterizes one pull planning pass.
type PullRequest struct {
	// LocalRoot is where remote names are mirrored.
	LocalRoot string
	// Limit caps the work-list length. 0 means unlimited.
	Limit int
}

// PullPlanner finds remote logs that are missing locally or whose local
// copy differs in size. Content is never hashed; size is the only signal.
type PullPlanner struct {
	remote RemoteInventory
	fs     afero.Fs
	logger *slog.Logger
}

func NewPullPlanner(remote RemoteInventory, fs afero.Fs, logger *slog.Logger) *PullPlanner {
	return &PullPlanner{remote: remote, fs: fs, logger: logger}
}

// LocalPath maps a remote object name to its mirrored path under root.
func LocalPath(root, remoteName string) string {
	return filepath.Join(root, filepath.FromSlash(remoteName))
}

// Plan returns remote refs to transfer, in remote listing order. With a
// limit, listing stops as soon as the limit is reached. A listing failure
// aborts planning with an error wrapping remote.ErrSourceUnavailable.
func (p *PullPlanner) Plan(ctx context.Context, req PullRequest) (WorkList, error) {
	if req.Limit < 0 {
		return WorkList{}, fmt.Errorf("pull limit must not be negative (got %d)", req.Limit)
	}
	if req.LocalRoot == "" {
		return WorkList{}, fmt.Errorf("local root is empty")
	}

	wl := WorkList{stage: StagePull}
	for ref, err := range p.remote.List(ctx) {
		if err != nil {
			return WorkList{}, fmt.Errorf("plan pull: %w", err)
		}

		local := LocalPath(req.LocalRoot, ref.RawPath)
		info, err := p.fs.Stat(local)
		switch {
		case err == nil && ref.SizeKnown && info.Size() == ref.Size:
			wl.skip(SkipUpToDate)
			continue
		case err == nil:
			p.logger.Info("local copy differs in size, re-queueing", "file", ref.RawPath, "local_size", info.Size(), "remote_size", ref.Size)
		case os.IsNotExist(err):
		default:
			p.logger.Warn("cannot stat local copy, queueing", "path", local, "error", err)
		}
		wl.items = append(wl.items, ref)
		if req.Limit > 0 && len(wl.items) == req.Limit {
			break
		}
	}
	return wl, nil
}
