package remote

import (
	"context"
	"iter"
	"log/slog"

	"github.com/mattjoyce/tracklog/internal/naming"
)

// Inventory lists the recognized tracking logs in one bucket.
type Inventory struct {
	lister Lister
	bucket string
	norm   *naming.Normalizer
	logger *slog.Logger
}

func NewInventory(lister Lister, bucket string, norm *naming.Normalizer, logger *slog.Logger) *Inventory {
	return &Inventory{lister: lister, bucket: bucket, norm: norm, logger: logger}
}

func (i *Inventory) Bucket() string { return i.bucket }

// List yields a ref for every object matching the file pattern, in the order
// the store returns them. Each call re-lists the bucket. A listing failure is
// yielded once, wrapping ErrSourceUnavailable, and ends the sequence.
func (i *Inventory) List(ctx context.Context) iter.Seq2[naming.LogFileRef, error] {
	return func(yield func(naming.LogFileRef, error) bool) {
		for obj, err := range i.lister.List(ctx, i.bucket) {
			if err != nil {
				yield(naming.LogFileRef{}, err)
				return
			}
			if !i.norm.MatchesPattern(obj.Name) {
				i.logger.Debug("ignoring unrecognized remote object", "name", obj.Name)
				continue
			}
			key, err := i.norm.Normalize(obj.Name)
			if err != nil {
				i.logger.Warn("skipping remote object", "name", obj.Name, "error", err)
				continue
			}
			ref := naming.LogFileRef{
				Key:       key,
				RawPath:   obj.Name,
				Size:      obj.Size,
				SizeKnown: true,
				Origin:    naming.OriginRemote,
			}
			if !yield(ref, nil) {
				return
			}
		}
	}
}
