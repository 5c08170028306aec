// Package remote lists and fetches tracking logs from the object store that
// holds the authoritative copies.
package remote

import (
	"context"
	"fmt"
	"io"
	"iter"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var (
	// ErrSourceUnavailable means the remote store could not be listed or
	// read (network, auth or missing bucket). Callers must not treat it as
	// an empty listing.
	ErrSourceUnavailable = errors.New("remote source unavailable")

	// ErrObjectNotFound is returned by Fetch when the key does not exist.
	ErrObjectNotFound = errors.New("remote object not found")
)

// Object is one entry of a remote listing. Name is relative to the bucket
// root and always uses forward slashes.
type Object struct {
	Name string
	Size int64
	ETag string
}

// Lister enumerates a bucket. The sequence is lazy; an error is yielded at
// most once and ends the sequence.
type Lister interface {
	List(ctx context.Context, bucket string) iter.Seq2[Object, error]
}

// Fetcher copies one object to a local path, returning the bytes written.
// The destination only appears once the copy is complete.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key, dst string) (int64, error)
}

// Store is a remote backend.
type Store interface {
	Lister
	Fetcher
}

// Backend kinds accepted by Open.
const (
	KindS3  = "s3"
	KindGCS = "gcs"
	KindDir = "dir"
)

// Config selects and configures a backend.
type Config struct {
	Kind string

	// s3
	Region     string
	Profile    string
	Endpoint   string
	MaxRetries int

	// gcs
	CredentialsFile string

	// dir
	Dir string
}

// Open builds the backend named by cfg.Kind. Downloads are written through
// local. Client setup is deferred until first use.
func Open(cfg Config, local afero.Fs) (Store, error) {
	if local == nil {
		local = afero.NewOsFs()
	}
	switch cfg.Kind {
	case KindS3, "":
		return NewS3(S3Config{
			Region:     cfg.Region,
			Profile:    cfg.Profile,
			Endpoint:   cfg.Endpoint,
			MaxRetries: cfg.MaxRetries,
		}, local), nil
	case KindGCS:
		return NewGCS(cfg.CredentialsFile, local), nil
	case KindDir:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("remote.dir is required for kind %q", KindDir)
		}
		return NewDir(local, cfg.Dir), nil
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
}

func unavailable(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, errors.Wrapf(err, format, args...))
}

// writeAtomic streams into dst+".part" and renames it into place once fill
// succeeds, so a partial download never looks like a complete local copy.
func writeAtomic(fs afero.Fs, dst string, fill func(f afero.File) (int64, error)) (int64, error) {
	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, errors.Wrapf(err, "create directory for %s", dst)
	}
	tmp := dst + ".part"
	f, err := fs.Create(tmp)
	if err != nil {
		return 0, errors.Wrapf(err, "create %s", tmp)
	}
	n, err := fill(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrapf(cerr, "close %s", tmp)
	}
	if err != nil {
		_ = fs.Remove(tmp)
		return 0, err
	}
	if err := fs.Rename(tmp, dst); err != nil {
		_ = fs.Remove(tmp)
		return 0, errors.Wrapf(err, "rename %s", tmp)
	}
	return n, nil
}

func copyTo(r io.Reader) func(f afero.File) (int64, error) {
	return func(f afero.File) (int64, error) {
		n, err := io.Copy(f, r)
		if err != nil {
			return n, errors.Wrap(err, "copy object body")
		}
		return n, nil
	}
}
