// ============================================================================
// chunkrun CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree wiring config, checkpoint store, worker
//          supervisor, journal and metrics into one scheduler run
//
// Command Structure:
//   chunkrun                                     # Root command
//   ├── run [START END CHUNK_SIZE WORKERS THREADS ENDPOINT]
//   │                                            # Process the range chunk by chunk
//   ├── plan [same positional args]              # Print the chunk layout, run nothing
//   │   └── --show-config                        # Also print the merged config
//   ├── status                                   # Checkpoint position + recent journal events
//   ├── reset --yes                              # Clear the checkpoint, rotate the journal
//   ├── version
//   └── --config/-c, --debug, --log-file         # Persistent flags
//
// Configuration:
//   defaults → YAML file → CHUNKRUN_* env → flags → positional arguments
//   (see internal/config)
//
// run Command:
//   1. Load + validate config (ConfigError → exit 2)
//   2. Optional storage preflight
//   3. Open checkpoint store and progress journal
//   4. Start metrics HTTP server (if enabled)
//   5. Run the scheduler until the range is done, a chunk fails, or a
//      signal arrives (SIGINT, SIGTERM stop it between chunks)
//   6. Print the run report
//
//   Examples:
//     ./chunkrun run 0 1000000 10000 8 4 http://localhost:8123
//     ./chunkrun run -c configs/prod.yaml --reset-storage never
//
// Exit codes:
//   0 success, 2 configuration error, 130 interrupted,
//   otherwise the exit status of the first failing worker (see ExitCode)
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ChuLiYu/chunkrun/internal/checkpoint"
	"github.com/ChuLiYu/chunkrun/internal/config"
	"github.com/ChuLiYu/chunkrun/internal/journal"
	"github.com/ChuLiYu/chunkrun/internal/metrics"
	"github.com/ChuLiYu/chunkrun/internal/partition"
	"github.com/ChuLiYu/chunkrun/internal/preflight"
	"github.com/ChuLiYu/chunkrun/internal/resetpolicy"
	"github.com/ChuLiYu/chunkrun/internal/scheduler"
	"github.com/ChuLiYu/chunkrun/internal/worker"
	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "0.1.0"

// ExitInterrupted is returned when a signal stopped the run.
const ExitInterrupted = 130

// app carries state shared by every subcommand of one BuildCLI tree.
type app struct {
	v          *viper.Viper
	configFile string
}

func BuildCLI() *cobra.Command {
	a := &app{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:   "chunkrun",
		Short: "chunkrun: a resumable chunked slot-range scheduler",
		Long: `chunkrun splits a slot range into fixed-size chunks and runs each
chunk as a fan-out of external worker processes:
- one durable checkpoint per job, advanced only after a whole chunk succeeds
- rerun the same command after a failure to resume from the failed chunk
- storage is reset at most once per job, by the first worker of a fresh run`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&a.configFile, "config", "c", "configs/default.yaml", "config file path")
	pf.Bool("debug", false, "enable debug logging")
	pf.String("log-file", "", "also write JSON logs to this file")
	_ = a.v.BindPFlag("log.debug", pf.Lookup("debug"))
	_ = a.v.BindPFlag("log.file", pf.Lookup("log-file"))

	// Bad flags are configuration errors, on every subcommand.
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return types.NewConfigError("flags", err.Error())
	})

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildPlanCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildResetCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

// positionalArgs accepts at most n arguments and reports a violation as a
// configuration error.
func positionalArgs(n int) cobra.PositionalArgs {
	check := cobra.MaximumNArgs(n)
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return types.NewConfigError("args", err.Error())
		}
		return nil
	}
}

// jobFlagKeys maps config keys to the flags registered by addJobFlags.
var jobFlagKeys = map[string]string{
	"job.chunk_size":       "chunk-size",
	"job.workers":          "workers",
	"job.threads":          "threads",
	"job.storage_endpoint": "endpoint",
	"job.reset_storage":    "reset-storage",
	"worker.command":       "worker-cmd",
	"worker.log_dir":       "log-dir",
	"checkpoint.backend":   "checkpoint-backend",
	"checkpoint.path":      "checkpoint-path",
	"metrics.enabled":      "metrics",
	"metrics.port":         "metrics-port",
	"preflight.enabled":    "preflight",
}

// addJobFlags registers the flags shared by run and plan.
func addJobFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Uint64("chunk-size", 0, "slots per chunk")
	f.Int("workers", 0, "worker processes per chunk")
	f.Int("threads", 0, "threads per worker")
	f.String("endpoint", "", "storage endpoint passed to workers")
	f.String("reset-storage", "", "storage reset policy: auto, always, never")
	f.String("worker-cmd", "", "worker executable")
	f.String("log-dir", "", "directory for per-worker logs")
	f.String("checkpoint-backend", "", "checkpoint backend: file, sqlite, redis, s3")
	f.String("checkpoint-path", "", "checkpoint file or sqlite database path")
	f.Bool("metrics", false, "serve Prometheus metrics")
	f.Int("metrics-port", 0, "metrics HTTP port")
	f.Bool("preflight", false, "check the storage endpoint before starting")
}

// loadConfig merges every source. An explicitly passed --config must exist.
// Job flags are bound here, against the command actually executing, since
// run and plan register flags under the same keys.
func (a *app) loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	for key, name := range jobFlagKeys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			if err := a.v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind --%s: %w", name, err)
			}
		}
	}
	cfg, err := config.Load(a.v, a.configFile, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyArgs(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func (a *app) buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [START END [CHUNK_SIZE [WORKERS [THREADS [ENDPOINT]]]]]",
		Short: "Start processing the slot range",
		Long: `Process the slot range chunk by chunk. Positional arguments override the
config file. After a failed or interrupted run, rerun the same command to
resume from the first unfinished chunk.`,
		Args: positionalArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd, args)
			if err != nil {
				return err
			}
			return runJob(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	addJobFlags(cmd)
	return cmd
}

func runJob(parent context.Context, cfg *config.Config, out, errOut io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	job, err := cfg.JobConfig()
	if err != nil {
		return err
	}

	logger, logCloser, err := newLogger(errOut, cfg.Log.Debug, cfg.Log.File)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Preflight.Enabled {
		logger.Info("Checking storage endpoint", "endpoint", preflight.Redact(job.StorageEndpoint))
		if err := preflight.Check(ctx, job.StorageEndpoint, cfg.Preflight.Timeout); err != nil {
			return types.NewConfigError("storage_endpoint", err.Error())
		}
	}

	store, storeCloser, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer storeCloser.Close()

	opts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithProgress(progressPrinter(out)),
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("failed to open progress journal: %w", err)
		}
		defer j.Close()
		opts = append(opts, scheduler.WithJournal(j))
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector, err := metrics.NewCollector(reg)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		opts = append(opts, scheduler.WithMetrics(collector))

		srv := metrics.NewServer(cfg.Metrics.Port, reg)
		go func() {
			logger.Info("Starting metrics server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runner := worker.NewProcessRunner(cfg.Worker.Command, cfg.Worker.Args, cfg.WorkerEnv())
	sched, err := scheduler.New(job, store, worker.NewSupervisor(runner, logger), cfg.Worker.LogDir, opts...)
	if err != nil {
		return err
	}

	report, runErr := sched.Run(ctx)
	if report != nil {
		fmt.Fprintln(out)
		report.Write(out)
	}
	printOutcome(out, runErr)
	return runErr
}

// progressPrinter renders one line per completed chunk.
func progressPrinter(out io.Writer) func(scheduler.Progress) {
	c := color.New(color.FgCyan)
	return func(p scheduler.Progress) {
		c.Fprintf(out, "✓ chunk %d %s done in %s  [%d/%d, %.1f%%]  next %d  eta %s\n",
			p.ChunkIndex, p.Range, p.Duration.Round(time.Millisecond),
			p.Completed, p.Planned, p.Percent, p.NextStart, p.ETA.Round(time.Second))
	}
}

func printOutcome(out io.Writer, err error) {
	var failure *scheduler.ChunkFailure
	switch {
	case err == nil:
		fmt.Fprintln(out, color.GreenString("✅ Job completed"))
	case errors.As(err, &failure):
		fmt.Fprintln(out, color.RedString("❌ %v", err))
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(out, color.YellowString("⚠️  Interrupted; rerun the same command to resume"))
	default:
		fmt.Fprintln(out, color.RedString("❌ %v", err))
	}
}

// ============================================================================
// plan
// ============================================================================

func (a *app) buildPlanCommand() *cobra.Command {
	var showConfig bool

	cmd := &cobra.Command{
		Use:   "plan [START END [CHUNK_SIZE [WORKERS [THREADS [ENDPOINT]]]]]",
		Short: "Print the chunk plan without running anything",
		Args:  positionalArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd, args)
			if err != nil {
				return err
			}
			return showPlan(cmd.Context(), cfg, showConfig, cmd.OutOrStdout())
		},
	}
	addJobFlags(cmd)
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "print the merged configuration (secrets redacted)")
	return cmd
}

func showPlan(ctx context.Context, cfg *config.Config, showConfig bool, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	job, err := cfg.JobConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if showConfig {
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "# merged configuration")
		out.Write(data)
		fmt.Fprintln(out)
	}

	store, closer, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer closer.Close()

	cp, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint from %s: %w", store.Describe(), err)
	}
	from, resumed, err := scheduler.ResumeFrom(job, cp)
	if err != nil {
		return err
	}
	if resumed {
		fmt.Fprintf(out, "resuming from checkpoint at %d (%s)\n", from, store.Describe())
	}
	if from >= job.TotalRange.End {
		fmt.Fprintln(out, "nothing left to run")
		return nil
	}

	chunks, err := partition.PlanChunks(job.TotalRange, from, job.ChunkSize)
	if err != nil {
		return err
	}
	coordinator := resetpolicy.NewCoordinator(!resumed, job.ResetOverride)
	fmt.Fprintf(out, "range %s, %d chunk(s) of up to %d slots, %d worker(s) × %d thread(s), %s\n",
		job.TotalRange, len(chunks), job.ChunkSize, job.WorkersPerChunk, job.ThreadsPerWorker, coordinator.Describe())
	for _, chunk := range chunks {
		subs, err := partition.Partition(chunk.Range, job.WorkersPerChunk)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  chunk %5d %s\n", chunk.Index, chunk.Range)
		for i, sub := range subs {
			if sub.Len() == 0 {
				continue
			}
			marker := ""
			if coordinator.Next() {
				marker = "  reset storage"
			}
			fmt.Fprintf(out, "    worker %2d %s%s\n", i, sub, marker)
		}
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	var events int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint status and recent progress",
		Long:  "Display the saved resume position and the last journal events",
		Args:  positionalArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cfg, events, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&events, "events", "n", 10, "number of journal events to show")
	return cmd
}

func showStatus(ctx context.Context, cfg *config.Config, events int, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, closer, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer closer.Close()

	cp, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           chunkrun Status                                 ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Checkpoint:")
	fmt.Fprintf(out, "  ├─ Store:       %s\n", store.Describe())
	if cp == nil {
		fmt.Fprintln(out, "  └─ State:       none (next run starts fresh)")
	} else {
		fmt.Fprintf(out, "  ├─ Next Start:  %d\n", cp.NextStart)
		fmt.Fprintf(out, "  ├─ Chunk Index: %d\n", cp.ChunkIndex)
		fmt.Fprintf(out, "  ├─ Run ID:      %s\n", cp.RunID)
		fmt.Fprintf(out, "  └─ Updated:     %s\n", cp.UpdatedAt.Format(time.RFC3339))

		total := types.WorkRange{Start: cfg.Job.Start, End: cfg.Job.End}
		if total.Validate() == nil && total.Contains(cp.NextStart) {
			done := float64(cp.NextStart-total.Start) / float64(total.Len()) * 100
			fmt.Fprintf(out, "\n📈 Progress: %.1f%% of %s\n", done, total)
		}
	}
	fmt.Fprintln(out)

	if cfg.Journal.Enabled && events > 0 {
		fmt.Fprintln(out, "📜 Recent Events:")
		recent, err := journal.Tail(cfg.Journal.Path, events)
		if err != nil {
			fmt.Fprintf(out, "  ⚠️  journal damaged after %d readable event(s): %v\n", len(recent), err)
		}
		if len(recent) == 0 {
			fmt.Fprintln(out, "  └─ (none)")
		}
		for _, ev := range recent {
			fmt.Fprintf(out, "  ├─ %s  %-16s %s\n", time.UnixMilli(ev.Timestamp).Format(time.RFC3339), ev.Type, describeEvent(ev))
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func describeEvent(ev journal.Event) string {
	switch ev.Type {
	case journal.EventJobStarted:
		if ev.Resumed {
			return fmt.Sprintf("resumed %s", ev.Range)
		}
		return fmt.Sprintf("fresh %s", ev.Range)
	case journal.EventChunkFailed:
		return fmt.Sprintf("chunk %d %s, %d worker(s) failed", ev.ChunkIndex, ev.Range, len(ev.Failed))
	case journal.EventChunkStarted, journal.EventChunkCompleted:
		return fmt.Sprintf("chunk %d %s", ev.ChunkIndex, ev.Range)
	}
	return ev.Range.String()
}

// ============================================================================
// reset
// ============================================================================

func (a *app) buildResetCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard the checkpoint so the next run starts fresh",
		Long: `Clear the saved resume position and rotate the progress journal. The
next run starts at the range start and resets storage again.`,
		Args: positionalArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return types.NewConfigError("reset", "refusing to discard progress without --yes")
			}
			cfg, err := a.loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			return resetJob(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm discarding progress")
	return cmd
}

func resetJob(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, closer, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer closer.Close()

	if err := store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	fmt.Fprintf(out, "checkpoint cleared (%s)\n", store.Describe())

	if !cfg.Journal.Enabled {
		return nil
	}
	if _, err := os.Stat(cfg.Journal.Path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("failed to open progress journal: %w", err)
	}
	defer j.Close()
	archived, err := j.Rotate()
	if err != nil {
		return fmt.Errorf("failed to rotate progress journal: %w", err)
	}
	fmt.Fprintf(out, "journal archived to %s\n", archived)
	return nil
}

// ============================================================================
// version
// ============================================================================

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chunkrun %s\n", Version)
		},
	}
}

// ExitCode maps an error returned by the command tree to a process exit
// status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	return 1
}
