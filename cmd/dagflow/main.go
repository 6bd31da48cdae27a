// Package main is the entry point for the dagflow binary.
// It validates and runs workflow definitions locally and serves the
// workflow API over gRPC.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dagflow",
		Short: "Workflow orchestration engine",
		Long: `dagflow validates, runs and serves declarative workflow graphs.

Examples:
  dagflow validate -f order.json
  dagflow run -f order.json --input '{"orderId": 42}'
  dagflow serve -c dagflow.yaml
  dagflow status --addr localhost:7070 <execution-id>`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", defaultLogFormat, "Log format (text, json)")

	rootCmd.AddCommand(
		newValidateCmd(),
		newRunCmd(),
		newServeCmd(),
		newStatusCmd(),
	)
	return rootCmd
}

// loggerFor builds the slog logger selected by the persistent flags. Logs go
// to stderr so command output on stdout stays machine readable.
func loggerFor(cmd *cobra.Command) (*slog.Logger, error) {
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	format, err := cmd.Flags().GetString("log-format")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-format flag: %w", err)
	}
	return newLogger(cmd.ErrOrStderr(), level, format)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
