package types

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks invalid operator input detected before any chunk starts.
var ErrConfiguration = errors.New("configuration error")

// ConfigError names the offending field.
type ConfigError struct {
	Field  string
	Reason string
}

// NewConfigError builds a ConfigError.
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrConfiguration, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// ExitCode implements the exit status contract used by cmd/chunkrun.
func (e *ConfigError) ExitCode() int {
	return 2
}
