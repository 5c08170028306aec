package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tracklog/internal/naming"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLister struct {
	objects []Object
	err     error
	calls   int
}

func (f *fakeLister) List(_ context.Context, _ string) iter.Seq2[Object, error] {
	f.calls++
	return func(yield func(Object, error) bool) {
		for _, o := range f.objects {
			if !yield(o, nil) {
				return
			}
		}
		if f.err != nil {
			yield(Object{}, f.err)
		}
	}
}

func TestInventoryFiltersAndNormalizes(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{objects: []Object{
		{Name: "app1/tracking.log-20130609.gz", Size: 10},
		{Name: "app1/README", Size: 1},
		{Name: "tracking/app2/tracking.log-20140101.gz", Size: 20},
	}}
	inv := NewInventory(lister, "logs", naming.MustNormalizer(naming.DefaultConventions()), discardLogger())

	var refs []naming.LogFileRef
	for ref, err := range inv.List(context.Background()) {
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	require.Len(t, refs, 2)
	assert.Equal(t, naming.Key("tracking.app1.log-20130609"), refs[0].Key)
	assert.Equal(t, "app1/tracking.log-20130609.gz", refs[0].RawPath)
	assert.Equal(t, int64(10), refs[0].Size)
	assert.True(t, refs[0].SizeKnown)
	assert.Equal(t, naming.OriginRemote, refs[0].Origin)
	assert.Equal(t, naming.Key("tracking.app2.log-20140101"), refs[1].Key)
}

func TestInventoryPropagatesUnavailable(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{
		objects: []Object{{Name: "app1/tracking.log-20130609.gz", Size: 10}},
		err:     unavailable(errors.New("dial tcp: timeout"), "listing s3://logs"),
	}
	inv := NewInventory(lister, "logs", naming.MustNormalizer(naming.DefaultConventions()), discardLogger())

	var got int
	var lastErr error
	for _, err := range inv.List(context.Background()) {
		if err != nil {
			lastErr = err
			continue
		}
		got++
	}
	assert.Equal(t, 1, got)
	assert.ErrorIs(t, lastErr, ErrSourceUnavailable)
}

func TestInventoryRelistsEachCall(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{}
	inv := NewInventory(lister, "logs", naming.MustNormalizer(naming.DefaultConventions()), discardLogger())
	for range inv.List(context.Background()) {
	}
	for range inv.List(context.Background()) {
	}
	assert.Equal(t, 2, lister.calls)
}

func TestDirListAndFetch(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/mirror/logs/app2/tracking.log-20130610.gz", []byte("bbbb"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/mirror/logs/app1/tracking.log-20130609.gz", []byte("aa"), 0o644))

	d := NewDir(fs, "/mirror")
	var objs []Object
	for obj, err := range d.List(context.Background(), "logs") {
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	require.Len(t, objs, 2)
	assert.Equal(t, "app1/tracking.log-20130609.gz", objs[0].Name)
	assert.Equal(t, int64(2), objs[0].Size)
	assert.Equal(t, "app2/tracking.log-20130610.gz", objs[1].Name)

	dst := "/store/app2/tracking.log-20130610.gz"
	n, err := d.Fetch(context.Background(), "logs", objs[1].Name, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	body, err := afero.ReadFile(fs, dst)
	require.NoError(t, err)
	assert.Equal(t, "bbbb", string(body))

	exists, err := afero.Exists(fs, dst+".part")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDirMissingBucketIsUnavailable(t *testing.T) {
	t.Parallel()
	d := NewDir(afero.NewMemMapFs(), "/nowhere")
	var errs []error
	for _, err := range d.List(context.Background(), "logs") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrSourceUnavailable)
}

func TestDirFetchMissingObject(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/mirror/logs", 0o755))
	d := NewDir(fs, "/mirror")

	_, err := d.Fetch(context.Background(), "logs", "app1/tracking.log-20130609.gz", filepath.Join("/store", "x.gz"))
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

type fakeS3 struct {
	s3iface.S3API
	pages [][]*s3.Object
	err   error
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, _ *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	for i, page := range f.pages {
		if !fn(&s3.ListObjectsV2Output{Contents: page}, i == len(f.pages)-1) {
			return nil
		}
	}
	return f.err
}

func TestS3ListPages(t *testing.T) {
	t.Parallel()
	fake := &fakeS3{pages: [][]*s3.Object{
		{{Key: aws.String("app1/tracking.log-20130609.gz"), Size: aws.Int64(5), ETag: aws.String(`"abc"`)}},
		{{Key: aws.String("app1/tracking.log-20130610.gz"), Size: aws.Int64(7)}},
	}}
	s := newS3WithClient(fake, afero.NewMemMapFs())

	var objs []Object
	for obj, err := range s.List(context.Background(), "stanford-edx-logs") {
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	require.Len(t, objs, 2)
	assert.Equal(t, Object{Name: "app1/tracking.log-20130609.gz", Size: 5, ETag: "abc"}, objs[0])
	assert.Equal(t, int64(7), objs[1].Size)
}

func TestS3ListStopsEarly(t *testing.T) {
	t.Parallel()
	fake := &fakeS3{pages: [][]*s3.Object{
		{{Key: aws.String("a.gz")}, {Key: aws.String("b.gz")}},
		{{Key: aws.String("c.gz")}},
	}, err: errors.New("should not surface")}
	s := newS3WithClient(fake, afero.NewMemMapFs())

	var names []string
	for obj, err := range s.List(context.Background(), "b") {
		require.NoError(t, err)
		names = append(names, obj.Name)
		if len(names) == 1 {
			break
		}
	}
	assert.Equal(t, []string{"a.gz"}, names)
}

func TestS3ListErrorIsUnavailable(t *testing.T) {
	t.Parallel()
	fake := &fakeS3{err: awserr.New(s3.ErrCodeNoSuchBucket, "The specified bucket does not exist", nil)}
	s := newS3WithClient(fake, afero.NewMemMapFs())

	var errs []error
	for _, err := range s.List(context.Background(), "missing") {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrSourceUnavailable)
	assert.Contains(t, errs[0].Error(), "bucket does not exist")
}

func TestOpenKinds(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()

	st, err := Open(Config{Kind: KindDir, Dir: "/mirror"}, fs)
	require.NoError(t, err)
	assert.IsType(t, &Dir{}, st)

	st, err = Open(Config{Kind: KindS3, Region: "us-east-1"}, fs)
	require.NoError(t, err)
	assert.IsType(t, &S3{}, st)

	st, err = Open(Config{Kind: KindGCS}, fs)
	require.NoError(t, err)
	assert.IsType(t, &GCS{}, st)

	_, err = Open(Config{Kind: KindDir}, fs)
	assert.Error(t, err)

	_, err = Open(Config{Kind: "ftp"}, fs)
	assert.Error(t, err)
}

func TestWriteAtomicRemovesPartialOnError(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	_, err := writeAtomic(fs, "/out/file.gz", func(f afero.File) (int64, error) {
		_, _ = io.Copy(f, bytes.NewReader([]byte("partial")))
		return 0, errors.New("connection reset")
	})
	require.Error(t, err)

	for _, p := range []string{"/out/file.gz", "/out/file.gz.part"} {
		exists, _ := afero.Exists(fs, p)
		assert.Falsef(t, exists, "%s should not exist", p)
	}
}
