package client

import (
	"context"
	"iter"
	"slices"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"
)

// ObjectClientAdapter implements [ObjectClient] on top of an objstore
// bucket.
type ObjectClientAdapter struct {
	bucket            objstore.Bucket
	logger            log.Logger
	deleteConcurrency int
}

var _ ObjectClient = (*ObjectClientAdapter)(nil)

// NewObjectClientAdapter returns a client for bucket which issues at most
// deleteConcurrency deletes at once.
func NewObjectClientAdapter(bucket objstore.Bucket, deleteConcurrency int, logger log.Logger) *ObjectClientAdapter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ObjectClientAdapter{
		bucket:            bucket,
		logger:            logger,
		deleteConcurrency: max(deleteConcurrency, 1),
	}
}

// List implements [ObjectClient].
func (s *ObjectClientAdapter) List(ctx context.Context, prefix, delimiter string) ([]StorageObject, []StorageCommonPrefix, error) {
	var storageObjects []StorageObject
	var commonPrefixes []StorageCommonPrefix
	var iterParams []objstore.IterOption

	// If delimiter is empty we want to list all files
	if delimiter == "" {
		iterParams = append(iterParams, objstore.WithRecursiveIter())
	}

	err := s.bucket.Iter(ctx, prefix, func(objectKey string) error {
		if delimiter != "" && strings.HasSuffix(objectKey, delimiter) {
			commonPrefixes = append(commonPrefixes, StorageCommonPrefix(objectKey))
			return nil
		}

		attr, err := s.bucket.Attributes(ctx, objectKey)
		if err != nil {
			if s.bucket.IsObjNotFoundErr(err) {
				// Deleted since it was listed.
				return nil
			}
			return errors.Wrapf(err, "failed to get attributes for %s", objectKey)
		}

		storageObjects = append(storageObjects, StorageObject{
			Key:        objectKey,
			ModifiedAt: attr.LastModified,
			Size:       attr.Size,
		})
		return nil
	}, iterParams...)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to list %s", prefix)
	}

	return storageObjects, commonPrefixes, nil
}

// ObjectExists implements [ObjectClient].
func (s *ObjectClientAdapter) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	return s.bucket.Exists(ctx, objectKey)
}

// DeleteObject implements [ObjectClient].
func (s *ObjectClientAdapter) DeleteObject(ctx context.Context, objectKey string) error {
	return s.bucket.Delete(ctx, objectKey)
}

// DeleteObjects implements [ObjectClient].
func (s *ObjectClientAdapter) DeleteObjects(ctx context.Context, keys iter.Seq[string]) error {
	all := slices.Collect(keys)
	return concurrency.ForEachJob(ctx, len(all), s.deleteConcurrency, func(ctx context.Context, idx int) error {
		err := s.bucket.Delete(ctx, all[idx])
		if err != nil && !s.bucket.IsObjNotFoundErr(err) {
			level.Warn(s.logger).Log("msg", "failed to delete object", "key", all[idx], "err", err)
			return errors.Wrapf(err, "failed to delete %s", all[idx])
		}
		return nil
	})
}

// IsObjectNotFoundErr implements [ObjectClient].
func (s *ObjectClientAdapter) IsObjectNotFoundErr(err error) bool {
	return s.bucket.IsObjNotFoundErr(errors.Cause(err))
}
