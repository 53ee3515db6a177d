package main

// ============================================================================
// chunkrun entry point
// 1. Build the command tree and execute it
// 2. Map the returned error to the exit status contract
// 3. Recover from panics so a crash still exits non-zero with a message
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/ChuLiYu/chunkrun/internal/cli"
)

var (
	version = "dev" // injected by -ldflags "-X main.version=..."
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if version != "dev" {
		cli.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	}

	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(cli.ExitCode(err))
	}
}
