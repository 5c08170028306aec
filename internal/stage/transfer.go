package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/tracklog/internal/plan"
	"github.com/mattjoyce/tracklog/internal/remote"
)

const defaultConcurrency = 4

// TransferOptions tune a TransferExecutor.
type TransferOptions struct {
	Bucket    string
	LocalRoot string
	// Concurrency bounds parallel downloads. 0 means 4.
	Concurrency int
	// Progress receives a progress bar. nil draws on stderr when it is a
	// terminal and draws nothing otherwise.
	Progress io.Writer
	Logger   *slog.Logger
}

// TransferExecutor copies remote objects to their mirrored local paths.
// A failed object does not stop the others; the batch fails if any did.
type TransferExecutor struct {
	fetcher remote.Fetcher
	opts    TransferOptions
}

func NewTransferExecutor(f remote.Fetcher, opts TransferOptions) *TransferExecutor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Progress == nil && isatty.IsTerminal(os.Stderr.Fd()) {
		opts.Progress = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TransferExecutor{fetcher: f, opts: opts}
}

func (t *TransferExecutor) Describe(wl plan.WorkList) string {
	return fmt.Sprintf("copy %d objects from %s to %s", wl.Len(), t.opts.Bucket, t.opts.LocalRoot)
}

func (t *TransferExecutor) Execute(ctx context.Context, wl plan.WorkList) (Result, error) {
	items := wl.Items()
	bar := t.newBar(len(items))

	var (
		mu       sync.Mutex
		failed   []string
		firstErr error
		total    int64
	)

	var g errgroup.Group
	g.SetLimit(t.opts.Concurrency)
	for _, ref := range items {
		g.Go(func() error {
			dst := plan.LocalPath(t.opts.LocalRoot, ref.RawPath)
			n, err := t.fetcher.Fetch(ctx, t.opts.Bucket, ref.RawPath, dst)

			mu.Lock()
			defer mu.Unlock()
			if bar != nil {
				_ = bar.Add(1)
			}
			if err != nil {
				t.opts.Logger.Error("transfer failed", "file", ref.RawPath, "error", err)
				failed = append(failed, ref.RawPath)
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			total += n
			t.opts.Logger.Debug("transferred", "file", ref.RawPath, "bytes", n)
			return nil
		})
	}
	_ = g.Wait()
	if bar != nil {
		_ = bar.Finish()
	}

	if len(failed) > 0 {
		return Result{ExitCode: 1, Stderr: fmt.Sprintf("failed to transfer: %v", failed)},
			fmt.Errorf("%d of %d transfers failed: %w", len(failed), len(items), firstErr)
	}
	t.opts.Logger.Info("transfer complete", "files", len(items), "bytes", total)
	return Result{}, nil
}

func (t *TransferExecutor) newBar(n int) *progressbar.ProgressBar {
	if t.opts.Progress == nil || n == 0 {
		return nil
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(t.opts.Progress),
		progressbar.OptionSetDescription("Pulling logs"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}
