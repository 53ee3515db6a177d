// ============================================================================
// chunkrun configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Merge every configuration source into one validated Config
//
// Precedence (lowest → highest):
//   1. built-in defaults
//   2. YAML config file (default configs/default.yaml)
//   3. environment, CHUNKRUN_ prefix, "." → "_"  (job.chunk_size → CHUNKRUN_JOB_CHUNK_SIZE)
//   4. command-line flags bound by the cli package
//   5. positional arguments of `run`: START END CHUNK_SIZE WORKERS THREADS ENDPOINT
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/chunkrun/internal/checkpoint"
	"github.com/ChuLiYu/chunkrun/internal/preflight"
	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CHUNKRUN"

// Reset modes accepted by job.reset_storage.
const (
	ResetAuto   = "auto"
	ResetAlways = "always"
	ResetNever  = "never"
)

// Config is the complete runtime configuration.
type Config struct {
	Job        JobSection         `mapstructure:"job" yaml:"job"`
	Worker     WorkerSection      `mapstructure:"worker" yaml:"worker"`
	Checkpoint checkpoint.Options `mapstructure:"checkpoint" yaml:"checkpoint"`
	Journal    JournalSection     `mapstructure:"journal" yaml:"journal"`
	Metrics    MetricsSection     `mapstructure:"metrics" yaml:"metrics"`
	Preflight  PreflightSection   `mapstructure:"preflight" yaml:"preflight"`
	Log        LogSection         `mapstructure:"log" yaml:"log"`
}

// JobSection describes the range and fan-out.
type JobSection struct {
	Start           uint64 `mapstructure:"start" yaml:"start"`
	End             uint64 `mapstructure:"end" yaml:"end"`
	ChunkSize       uint64 `mapstructure:"chunk_size" yaml:"chunk_size"`
	Workers         int    `mapstructure:"workers" yaml:"workers"`
	Threads         int    `mapstructure:"threads" yaml:"threads"`
	StorageEndpoint string `mapstructure:"storage_endpoint" yaml:"storage_endpoint"`
	ResetStorage    string `mapstructure:"reset_storage" yaml:"reset_storage"` // auto | always | never
}

// WorkerSection names the worker executable.
type WorkerSection struct {
	Command string            `mapstructure:"command" yaml:"command"`
	Args    []string          `mapstructure:"args" yaml:"args"`
	Env     map[string]string `mapstructure:"env" yaml:"env"`
	LogDir  string            `mapstructure:"log_dir" yaml:"log_dir"`
}

type JournalSection struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type MetricsSection struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

type PreflightSection struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LogSection struct {
	Debug bool   `mapstructure:"debug" yaml:"debug"`
	File  string `mapstructure:"file" yaml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Job: JobSection{
			ChunkSize:       10000,
			Workers:         4,
			Threads:         1,
			StorageEndpoint: "http://localhost:8123",
			ResetStorage:    ResetAuto,
		},
		Worker: WorkerSection{
			Command: "./bin/demoworker",
			Env:     map[string]string{},
			LogDir:  "logs",
		},
		Checkpoint: checkpoint.Options{
			Backend: checkpoint.BackendFile,
			Path:    "state/checkpoint.json",
			JobKey:  "default",
		},
		Journal: JournalSection{
			Enabled: true,
			Path:    "logs/progress.jsonl",
		},
		Metrics: MetricsSection{
			Enabled: false,
			Port:    9090,
		},
		Preflight: PreflightSection{
			Enabled: false,
			Timeout: 5 * time.Second,
		},
	}
}

// NewViper returns a viper instance carrying the defaults and the
// environment binding. The caller binds flags on it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	setDefaults(v, reflect.ValueOf(def))
	return v
}

// setDefaults registers every leaf of cfg with viper so that AutomaticEnv
// also covers keys missing from the config file.
func setDefaults(v *viper.Viper, val reflect.Value, parts ...string) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string{}, parts...), tag)
		fv := val.Field(i)
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			setDefaults(v, fv, key...)
			continue
		}
		v.SetDefault(strings.Join(key, "."), fv.Interface())
	}
}

// Load reads the config file into v and decodes the merged result. A
// missing file is an error only when required is set.
func Load(v *viper.Viper, path string, required bool) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, types.NewConfigError("config", fmt.Sprintf("failed to parse %s: %v", path, err))
			}
		} else if required || !errors.Is(err, os.ErrNotExist) {
			return nil, types.NewConfigError("config", fmt.Sprintf("cannot read %s: %v", path, err))
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.NewConfigError("config", err.Error())
	}
	return &cfg, nil
}

// ApplyArgs overrides job fields with positional arguments in the order
// START END CHUNK_SIZE WORKERS THREADS ENDPOINT. Fewer than six is fine.
func (c *Config) ApplyArgs(args []string) error {
	if len(args) > 6 {
		return types.NewConfigError("args", fmt.Sprintf("expected at most 6 positional arguments, got %d", len(args)))
	}

	parseU64 := func(field, s string) (uint64, error) {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, types.NewConfigError(field, fmt.Sprintf("%q is not a non-negative integer", s))
		}
		return n, nil
	}
	parseInt := func(field, s string) (int, error) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, types.NewConfigError(field, fmt.Sprintf("%q is not an integer", s))
		}
		return n, nil
	}

	var err error
	for i, a := range args {
		switch i {
		case 0:
			c.Job.Start, err = parseU64("range", a)
		case 1:
			c.Job.End, err = parseU64("range", a)
		case 2:
			c.Job.ChunkSize, err = parseU64("chunk_size", a)
		case 3:
			c.Job.Workers, err = parseInt("workers", a)
		case 4:
			c.Job.Threads, err = parseInt("threads", a)
		case 5:
			c.Job.StorageEndpoint = a
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ParseResetMode maps auto|always|never to the override pointer.
func ParseResetMode(mode string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ResetAuto:
		return nil, nil
	case ResetAlways, "true":
		return types.BoolPtr(true), nil
	case ResetNever, "false":
		return types.BoolPtr(false), nil
	}
	return nil, types.NewConfigError("reset_storage", fmt.Sprintf("must be auto, always or never, got %q", mode))
}

// JobConfig builds and validates the scheduler's job description.
func (c *Config) JobConfig() (types.JobConfig, error) {
	override, err := ParseResetMode(c.Job.ResetStorage)
	if err != nil {
		return types.JobConfig{}, err
	}
	job := types.JobConfig{
		TotalRange:       types.WorkRange{Start: c.Job.Start, End: c.Job.End},
		ChunkSize:        c.Job.ChunkSize,
		WorkersPerChunk:  c.Job.Workers,
		ThreadsPerWorker: c.Job.Threads,
		StorageEndpoint:  c.Job.StorageEndpoint,
		ResetOverride:    override,
	}
	if err := job.Validate(); err != nil {
		return types.JobConfig{}, err
	}
	return job, nil
}

// Validate checks everything outside the job section.
func (c *Config) Validate() error {
	if c.Worker.Command == "" {
		return types.NewConfigError("worker.command", "must not be empty")
	}
	if c.Worker.LogDir == "" {
		return types.NewConfigError("worker.log_dir", "must not be empty")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return types.NewConfigError("journal.path", "must be set when the journal is enabled")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return types.NewConfigError("metrics.port", fmt.Sprintf("%d is not a valid port", c.Metrics.Port))
	}
	switch c.Checkpoint.Backend {
	case checkpoint.BackendFile, checkpoint.BackendSQLite, checkpoint.BackendRedis, checkpoint.BackendS3:
	default:
		return types.NewConfigError("checkpoint.backend", fmt.Sprintf("unknown backend %q", c.Checkpoint.Backend))
	}
	_, err := c.JobConfig()
	return err
}

// WorkerEnv returns the extra worker variables with upper-cased names.
// Viper lower-cases map keys read from files, and worker variables are
// conventionally upper case.
func (c *Config) WorkerEnv() map[string]string {
	out := make(map[string]string, len(c.Worker.Env))
	for k, v := range c.Worker.Env {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// Redacted returns a copy safe to print: passwords in URLs are masked.
func (c Config) Redacted() Config {
	out := c
	out.Job.StorageEndpoint = preflight.Redact(c.Job.StorageEndpoint)
	if c.Checkpoint.RedisURL != "" {
		out.Checkpoint.RedisURL = preflight.Redact(c.Checkpoint.RedisURL)
	}
	if len(c.Worker.Env) > 0 {
		out.Worker.Env = make(map[string]string, len(c.Worker.Env))
		for k, v := range c.Worker.Env {
			if strings.Contains(v, "://") {
				v = preflight.Redact(v)
			}
			out.Worker.Env[k] = v
		}
	}
	return out
}

// YAML renders the redacted configuration.
func (c Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return data, nil
}

// EnvKeys lists every environment variable the config responds to.
func EnvKeys() []string {
	var keys []string
	collectKeys(reflect.TypeOf(Config{}), &keys)
	sort.Strings(keys)
	return keys
}

func collectKeys(typ reflect.Type, keys *[]string, parts ...string) {
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string{}, parts...), tag)
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			collectKeys(f.Type, keys, key...)
			continue
		}
		*keys = append(*keys, EnvPrefix+"_"+strings.ToUpper(strings.Join(key, "_")))
	}
}
