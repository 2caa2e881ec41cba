package client

import (
	"errors"
	"flag"
	"fmt"
	"regexp"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
)

const (
	// InMemory is the value for the in-memory storage backend.
	InMemory = "inmemory"

	// Filesystem is the value for the filesystem storage backend.
	Filesystem = "filesystem"

	validPrefixCharactersRegex = `^[\da-zA-Z]+$`
)

var (
	SupportedBackends = []string{InMemory, Filesystem}

	ErrUnsupportedStorageBackend        = errors.New("unsupported storage backend")
	ErrInvalidCharactersInStoragePrefix = errors.New("storage prefix contains invalid characters, it may only contain digits and English alphabet letters")
)

// FilesystemConfig configures the filesystem backend.
type FilesystemConfig struct {
	Directory string `yaml:"dir"`
}

// Config configures the bucket maintenance jobs work on.
type Config struct {
	Backend       string           `yaml:"backend"`
	Filesystem    FilesystemConfig `yaml:"filesystem"`
	StoragePrefix string           `yaml:"storage_prefix"`

	DeleteConcurrency int `yaml:"delete_concurrency"`
}

// RegisterFlagsWithPrefix registers flags for cfg with every name prefixed
// by prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+"backend", Filesystem, fmt.Sprintf("Backend storage to use. Supported backends are: %v.", SupportedBackends))
	f.StringVar(&cfg.Filesystem.Directory, prefix+"filesystem.dir", "./data", "Local filesystem storage directory.")
	f.StringVar(&cfg.StoragePrefix, prefix+"storage-prefix", "", "Prefix for all objects stored in the backend storage. For simplicity, it may only contain digits and English alphabet letters.")
	f.IntVar(&cfg.DeleteConcurrency, prefix+"delete-concurrency", 16, "Maximum number of concurrent deletes of a bulk delete.")
}

// Validate returns an error if cfg is invalid.
func (cfg *Config) Validate() error {
	if cfg.StoragePrefix != "" {
		acceptablePrefixCharacters := regexp.MustCompile(validPrefixCharactersRegex)
		if !acceptablePrefixCharacters.MatchString(cfg.StoragePrefix) {
			return ErrInvalidCharactersInStoragePrefix
		}
	}
	if cfg.Backend == Filesystem && cfg.Filesystem.Directory == "" {
		return errors.New("filesystem storage directory is required")
	}
	return nil
}

// NewBucket creates a new bucket for the configured backend.
func NewBucket(cfg Config, name string, reg prometheus.Registerer) (objstore.InstrumentedBucket, error) {
	var (
		bkt objstore.Bucket
		err error
	)

	switch cfg.Backend {
	case InMemory:
		bkt = objstore.NewInMemBucket()
	case Filesystem:
		bkt, err = filesystem.NewBucket(cfg.Filesystem.Directory)
	default:
		return nil, ErrUnsupportedStorageBackend
	}
	if err != nil {
		return nil, err
	}

	if cfg.StoragePrefix != "" {
		bkt = objstore.NewPrefixedBucket(bkt, cfg.StoragePrefix)
	}

	metrics := objstore.BucketMetrics(prometheus.WrapRegistererWithPrefix("quarry_", reg), name)
	return objstore.WrapWith(bkt, metrics), nil
}

// NewObjectClient creates a client for the configured backend.
func NewObjectClient(cfg Config, name string, reg prometheus.Registerer, logger log.Logger) (*ObjectClientAdapter, error) {
	bkt, err := NewBucket(cfg, name, reg)
	if err != nil {
		return nil, err
	}
	return NewObjectClientAdapter(bkt, cfg.DeleteConcurrency, logger), nil
}
