package checkpoint

import (
	"context"
	"fmt"
	"io"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

// Options selects and configures a backend.
type Options struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"` // file and sqlite
	JobKey  string `mapstructure:"job_key" yaml:"job_key"`

	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`

	S3Bucket   string `mapstructure:"s3_bucket" yaml:"s3_bucket"`
	S3Key      string `mapstructure:"s3_key" yaml:"s3_key"`
	S3Region   string `mapstructure:"s3_region" yaml:"s3_region"`
	S3Endpoint string `mapstructure:"s3_endpoint" yaml:"s3_endpoint"`
}

// Open builds the configured store. The returned closer is never nil.
func Open(ctx context.Context, opts Options) (Store, io.Closer, error) {
	switch opts.Backend {
	case "", BackendFile:
		if opts.Path == "" {
			return nil, nil, fmt.Errorf("file checkpoint needs a path")
		}
		return NewFileStore(opts.Path), nopCloser{}, nil

	case BackendSQLite:
		if opts.Path == "" {
			return nil, nil, fmt.Errorf("sqlite checkpoint needs a path")
		}
		s, err := NewSQLiteStore(opts.Path, opts.JobKey)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case BackendRedis:
		key := "chunkrun:checkpoint:" + opts.JobKey
		if opts.JobKey == "" {
			key = "chunkrun:checkpoint:default"
		}
		s, err := NewRedisStore(ctx, opts.RedisURL, key)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case BackendS3:
		s, err := NewS3Store(ctx, opts.S3Bucket, opts.S3Key, opts.S3Region, opts.S3Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	}

	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
