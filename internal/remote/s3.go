package remote

import (
	"context"
	"iter"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/mattjoyce/tracklog/internal/log"
)

// S3Config overrides the default AWS credential chain.
type S3Config struct {
	Region     string
	Profile    string
	Endpoint   string
	MaxRetries int
}

// S3 is an S3 backed Store. The session is created once, on first use, and
// reused for the life of the process.
type S3 struct {
	cfg   S3Config
	local afero.Fs

	once       sync.Once
	initErr    error
	client     s3iface.S3API
	downloader *s3manager.Downloader
}

// NewS3 returns an S3 store writing downloads through local.
func NewS3(cfg S3Config, local afero.Fs) *S3 {
	return &S3{cfg: cfg, local: local}
}

// newS3WithClient allows injecting a fake client in tests.
func newS3WithClient(c s3iface.S3API, local afero.Fs) *S3 {
	s := &S3{local: local, client: c, downloader: s3manager.NewDownloaderWithClient(c)}
	s.once.Do(func() {})
	return s
}

func (s *S3) init() error {
	s.once.Do(func() {
		logger := log.WithComponent("remote.s3")
		retries := s.cfg.MaxRetries
		if retries <= 0 {
			retries = 10
		}
		config := &aws.Config{
			// retry on ephemeral AWS errors
			Retryer: client.DefaultRetryer{NumMaxRetries: retries},
		}
		if s.cfg.Profile != "" {
			logger.Info("overriding default AWS profile", "profile", s.cfg.Profile)
			config.Credentials = credentials.NewSharedCredentials("", s.cfg.Profile)
		}
		if s.cfg.Region != "" {
			config.Region = aws.String(s.cfg.Region)
		}
		if s.cfg.Endpoint != "" {
			config.Endpoint = aws.String(s.cfg.Endpoint)
			config.S3ForcePathStyle = aws.Bool(true)
		}
		sess, err := session.NewSession(config)
		if err != nil {
			s.initErr = errors.Wrap(err, "creating AWS session")
			return
		}
		s.client = s3.New(sess)
		s.downloader = s3manager.NewDownloaderWithClient(s.client)
	})
	return s.initErr
}

func (s *S3) List(ctx context.Context, bucket string) iter.Seq2[Object, error] {
	return func(yield func(Object, error) bool) {
		if err := s.init(); err != nil {
			yield(Object{}, unavailable(err, "connecting to s3://%s", bucket))
			return
		}

		stopped := false
		input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
		err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
			for _, o := range page.Contents {
				obj := Object{
					Name: aws.StringValue(o.Key),
					Size: aws.Int64Value(o.Size),
					ETag: strings.Trim(aws.StringValue(o.ETag), `"`),
				}
				if !yield(obj, nil) {
					stopped = true
					return false
				}
			}
			return true
		})
		if err != nil && !stopped {
			yield(Object{}, unavailable(describeS3Error(err), "listing s3://%s", bucket))
		}
	}
}

func (s *S3) Fetch(ctx context.Context, bucket, key, dst string) (int64, error) {
	if err := s.init(); err != nil {
		return 0, unavailable(err, "connecting to s3://%s", bucket)
	}
	return writeAtomic(s.local, dst, func(f afero.File) (int64, error) {
		n, err := s.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
				return 0, errors.Wrapf(ErrObjectNotFound, "s3://%s/%s", bucket, key)
			}
			return 0, errors.Wrapf(err, "fetching s3://%s/%s", bucket, key)
		}
		return n, nil
	})
}

func describeS3Error(err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchBucket:
			return errors.Wrap(err, "bucket does not exist")
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return errors.Wrap(err, "credentials rejected")
		}
	}
	return err
}
