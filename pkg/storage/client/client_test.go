package client

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"
)

func upload(t *testing.T, bkt objstore.Bucket, keys ...string) {
	t.Helper()
	for _, key := range keys {
		require.NoError(t, bkt.Upload(context.Background(), key, strings.NewReader(key)))
	}
}

func keysOf(objects []StorageObject) []string {
	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	slices.Sort(keys)
	return keys
}

func TestObjectClientAdapter(t *testing.T) {
	ctx := context.Background()
	bkt := objstore.NewInMemBucket()
	upload(t, bkt, "tmp/a", "tmp/b", "tmp/q1/x", "tmp/q1/finished", "other/c")
	c := NewObjectClientAdapter(bkt, 2, nil)

	t.Run("list direct children", func(t *testing.T) {
		objects, prefixes, err := c.List(ctx, "tmp/", "/")
		require.NoError(t, err)
		require.Equal(t, []string{"tmp/a", "tmp/b"}, keysOf(objects))
		require.Equal(t, []StorageCommonPrefix{"tmp/q1/"}, prefixes)
		for _, o := range objects {
			require.Equal(t, int64(len(o.Key)), o.Size)
			require.False(t, o.ModifiedAt.IsZero())
		}
	})

	t.Run("list recursively", func(t *testing.T) {
		objects, prefixes, err := c.List(ctx, "tmp/", "")
		require.NoError(t, err)
		require.Empty(t, prefixes)
		require.Equal(t, []string{"tmp/a", "tmp/b", "tmp/q1/finished", "tmp/q1/x"}, keysOf(objects))
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := c.ObjectExists(ctx, "tmp/q1/finished")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = c.ObjectExists(ctx, "tmp/q2/finished")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		err := c.DeleteObject(ctx, "tmp/missing")
		require.True(t, c.IsObjectNotFoundErr(err))

		require.NoError(t, c.DeleteObjects(ctx, slices.Values([]string{"tmp/a", "tmp/b", "tmp/missing"})))
		objects, _, err := c.List(ctx, "tmp/", "/")
		require.NoError(t, err)
		require.Empty(t, objects)

		ok, err := c.ObjectExists(ctx, "other/c")
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestNewBucket(t *testing.T) {
	t.Run("filesystem", func(t *testing.T) {
		cfg := Config{Backend: Filesystem, Filesystem: FilesystemConfig{Directory: t.TempDir()}}
		require.NoError(t, cfg.Validate())

		c, err := NewObjectClient(cfg, "test", prometheus.NewRegistry(), nil)
		require.NoError(t, err)
		upload(t, c.bucket, "tmp/q1/x")

		_, prefixes, err := c.List(context.Background(), "tmp/", "/")
		require.NoError(t, err)
		require.Equal(t, []StorageCommonPrefix{"tmp/q1/"}, prefixes)
	})

	t.Run("prefixed in-memory", func(t *testing.T) {
		cfg := Config{Backend: InMemory, StoragePrefix: "tenant1"}
		require.NoError(t, cfg.Validate())

		bkt, err := NewBucket(cfg, "test", prometheus.NewRegistry())
		require.NoError(t, err)
		upload(t, bkt, "a")
		ok, err := bkt.Exists(context.Background(), "a")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NewBucket(Config{Backend: "s3"}, "test", prometheus.NewRegistry())
		require.ErrorIs(t, err, ErrUnsupportedStorageBackend)

		cfg := Config{Backend: InMemory, StoragePrefix: "a/b"}
		require.ErrorIs(t, cfg.Validate(), ErrInvalidCharactersInStoragePrefix)

		cfg = Config{Backend: Filesystem}
		require.Error(t, cfg.Validate())
	})
}
