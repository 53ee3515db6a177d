// Package preflight verifies the storage endpoint before any worker starts,
// so a bad URL or an unreachable server fails fast as a configuration error
// instead of failing every worker of the first chunk.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// ErrUnreachable is returned when the endpoint parses but does not answer.
var ErrUnreachable = errors.New("storage endpoint unreachable")

type pinger interface {
	Ping(ctx context.Context) error
	Close() error
}

// openConn is replaced in tests.
var openConn = func(opts *clickhouse.Options) (pinger, error) {
	return clickhouse.Open(opts)
}

// ParseEndpoint validates the endpoint URL with the ClickHouse driver.
func ParseEndpoint(endpoint string) (*clickhouse.Options, error) {
	if endpoint == "" {
		return nil, types.NewConfigError("storage_endpoint", "must not be empty")
	}
	opts, err := clickhouse.ParseDSN(endpoint)
	if err != nil {
		return nil, types.NewConfigError("storage_endpoint", fmt.Sprintf("invalid url %s: %v", Redact(endpoint), err))
	}
	return opts, nil
}

// Check parses the endpoint and pings the server once.
func Check(ctx context.Context, endpoint string, timeout time.Duration) error {
	opts, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if timeout > 0 {
		opts.DialTimeout = timeout
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := openConn(opts)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, Redact(endpoint), err)
	}
	defer conn.Close()

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, Redact(endpoint), err)
	}
	return nil
}

// Redact hides the password of a URL so it can be logged.
func Redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<unparseable endpoint>"
	}
	return u.Redacted()
}
