package remote

import (
	"context"
	stderrors "errors"
	"iter"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS is a Google Cloud Storage backed Store for buckets mirrored out of S3.
type GCS struct {
	credentialsFile string
	local           afero.Fs

	once    sync.Once
	initErr error
	client  *storage.Client
}

// NewGCS returns a GCS store. An empty credentialsFile uses application
// default credentials.
func NewGCS(credentialsFile string, local afero.Fs) *GCS {
	return &GCS{credentialsFile: credentialsFile, local: local}
}

func (g *GCS) init(ctx context.Context) error {
	g.once.Do(func() {
		var opts []option.ClientOption
		if g.credentialsFile != "" {
			if _, err := os.Stat(g.credentialsFile); err != nil {
				g.initErr = errors.Wrapf(err, "service account key not readable at %s", g.credentialsFile)
				return
			}
			opts = append(opts, option.WithCredentialsFile(g.credentialsFile))
		}
		c, err := storage.NewClient(ctx, opts...)
		if err != nil {
			g.initErr = errors.Wrap(err, "creating GCS storage client")
			return
		}
		g.client = c
	})
	return g.initErr
}

func (g *GCS) List(ctx context.Context, bucket string) iter.Seq2[Object, error] {
	return func(yield func(Object, error) bool) {
		if err := g.init(ctx); err != nil {
			yield(Object{}, unavailable(err, "connecting to gs://%s", bucket))
			return
		}
		it := g.client.Bucket(bucket).Objects(ctx, nil)
		for {
			attrs, err := it.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				yield(Object{}, unavailable(err, "listing gs://%s", bucket))
				return
			}
			if !yield(Object{Name: attrs.Name, Size: attrs.Size, ETag: attrs.Etag}, nil) {
				return
			}
		}
	}
}

func (g *GCS) Fetch(ctx context.Context, bucket, key, dst string) (int64, error) {
	if err := g.init(ctx); err != nil {
		return 0, unavailable(err, "connecting to gs://%s", bucket)
	}
	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotExist) {
			return 0, errors.Wrapf(ErrObjectNotFound, "gs://%s/%s", bucket, key)
		}
		return 0, errors.Wrapf(err, "opening gs://%s/%s", bucket, key)
	}
	defer r.Close()
	return writeAtomic(g.local, dst, copyTo(r))
}

// Close releases the underlying client if one was created.
func (g *GCS) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
