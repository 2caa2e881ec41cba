// Package client provides the object storage abstraction used by
// maintenance jobs.
package client

import (
	"context"
	"iter"
	"time"
)

// StorageObject is an object in a bucket.
type StorageObject struct {
	Key        string
	ModifiedAt time.Time
	Size       int64
}

// StorageCommonPrefix is a directory-like prefix shared by several objects.
// It ends with the delimiter it was listed with.
type StorageCommonPrefix string

// ObjectClient lists and deletes objects.
type ObjectClient interface {
	// List returns the objects below prefix. With a non-empty delimiter only
	// direct children are listed and deeper keys are grouped into common
	// prefixes.
	List(ctx context.Context, prefix, delimiter string) ([]StorageObject, []StorageCommonPrefix, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	DeleteObject(ctx context.Context, objectKey string) error
	// DeleteObjects deletes every key of keys. Missing objects are ignored.
	DeleteObjects(ctx context.Context, keys iter.Seq[string]) error
	IsObjectNotFoundErr(err error) bool
}
