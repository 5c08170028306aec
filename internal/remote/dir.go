package remote

import (
	"context"
	"iter"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Dir serves a directory tree as a remote store. Each bucket is a
// subdirectory of root. It backs on-premise mirrors and tests.
type Dir struct {
	fs   afero.Fs
	root string
}

func NewDir(fs afero.Fs, root string) *Dir {
	return &Dir{fs: fs, root: root}
}

func (d *Dir) bucketRoot(bucket string) string {
	return filepath.Join(d.root, filepath.FromSlash(bucket))
}

func (d *Dir) List(ctx context.Context, bucket string) iter.Seq2[Object, error] {
	return func(yield func(Object, error) bool) {
		base := d.bucketRoot(bucket)
		if _, err := d.fs.Stat(base); err != nil {
			yield(Object{}, unavailable(err, "opening bucket directory %s", base))
			return
		}

		errStop := errors.New("stop")
		err := afero.Walk(d.fs, base, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
				return nil
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return err
			}
			if !yield(Object{Name: filepath.ToSlash(rel), Size: info.Size()}, nil) {
				return errStop
			}
			return nil
		})
		if err != nil && err != errStop {
			yield(Object{}, unavailable(err, "walking bucket directory %s", base))
		}
	}
}

func (d *Dir) Fetch(ctx context.Context, bucket, key, dst string) (int64, error) {
	src := filepath.Join(d.bucketRoot(bucket), filepath.FromSlash(key))
	f, err := d.fs.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Wrapf(ErrObjectNotFound, "%s", src)
		}
		return 0, errors.Wrapf(err, "opening %s", src)
	}
	defer f.Close()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return writeAtomic(d.fs, dst, copyTo(f))
}
