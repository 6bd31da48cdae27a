package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/eleven-am/dagflow"
	grpctransport "github.com/eleven-am/dagflow/internal/adapters/grpc"
	"github.com/eleven-am/dagflow/internal/adapters/tracing"
)

const shutdownTimeout = 10 * time.Second

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a workflow definition and print the report",
		RunE:  runValidate,
	}
	cmd.Flags().StringP("file", "f", "", "Path to the workflow definition (JSON or YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workflow to completion and print the execution",
		RunE:  runWorkflow,
	}
	cmd.Flags().StringP("file", "f", "", "Path to the workflow definition (JSON or YAML)")
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().String("input", "", "Execution input as JSON")
	cmd.Flags().Duration("timeout", 0, "Execution timeout (0 for none)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow API over gRPC with health and metrics endpoints",
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML), reloaded on change")
	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Query a running server for an execution, or its health without an id",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	cmd.Flags().String("addr", "localhost:7070", "Address of the dagflow gRPC server")
	cmd.Flags().Duration("timeout", 10*time.Second, "Request timeout")
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger, err := loggerFor(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("file")

	def, err := loadDefinition(path)
	if err != nil {
		return err
	}

	manager, err := localManager(cmd.Context(), "", logger)
	if err != nil {
		return err
	}
	defer stopManager(manager, logger)

	report := manager.Validate(def)
	if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if !report.Valid() {
		return fmt.Errorf("workflow %q has %d validation error(s)", def.ID, len(report.Errors()))
	}
	return nil
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	logger, err := loggerFor(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("file")
	configPath, _ := cmd.Flags().GetString("config")
	rawInput, _ := cmd.Flags().GetString("input")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	def, err := loadDefinition(path)
	if err != nil {
		return err
	}

	var input interface{}
	if rawInput != "" {
		if err := json.Unmarshal([]byte(rawInput), &input); err != nil {
			return fmt.Errorf("failed to parse --input: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := localManager(ctx, configPath, logger)
	if err != nil {
		return err
	}
	defer stopManager(manager, logger)

	if err := manager.Start(ctx); err != nil {
		return err
	}

	exec, err := manager.Run(ctx, def, input, dagflow.ExecutionOptions{Timeout: timeout})
	if err != nil {
		var failed *dagflow.ValidationFailedError
		if errors.As(err, &failed) {
			_ = writeJSON(cmd.OutOrStdout(), failed.Report)
		}
		return err
	}

	if err := writeJSON(cmd.OutOrStdout(), exec); err != nil {
		return err
	}
	if exec.Status != dagflow.ExecutionSuccess {
		return fmt.Errorf("execution %s finished with status %s", exec.ExecutionID, exec.Status)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := loggerFor(cmd)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	configPath, _ := cmd.Flags().GetString("config")

	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	config.Logger = logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []dagflow.Option{dagflow.WithTracingOptions(tracing.AsGlobal())}
	if configPath != "" {
		opts = append(opts, dagflow.WithConfigFile(configPath))
	}

	manager, err := dagflow.New(ctx, config, opts...)
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		stopManager(manager, logger)
		return err
	}

	logger.Info("dagflow serving",
		"instance_id", config.InstanceID,
		"grpc", manager.GRPCAddress(),
		"observability", manager.ObservabilityAddress(),
		"config", configPath,
	)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := manager.ReloadConfig(); err != nil {
				logger.Warn("config reload on SIGHUP failed", "error", err)
			}
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := manager.Stop(shutdownCtx); err != nil {
				logger.Error("error during shutdown", "error", err)
				return err
			}
			logger.Info("dagflow stopped")
			return nil
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger, err := loggerFor(cmd)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	client, err := grpctransport.NewClient(grpctransport.ClientConfig{Address: addr, RequestTimeout: timeout}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	if len(args) == 0 {
		serving, err := client.Check(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), serving.String())
		return nil
	}

	exec, err := client.Status(ctx, args[0])
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), exec)
}

// localManager builds an in-process manager for one-shot commands. The
// network surfaces stay off whatever the configuration file says.
func localManager(ctx context.Context, configPath string, logger *slog.Logger) (*dagflow.Manager, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	config.Logger = logger
	config.Observability.Enabled = false
	config.Transport.Enabled = false
	config.Engine.ResumeOnStart = false
	return dagflow.New(ctx, config)
}

func loadConfig(path string) (*dagflow.Config, error) {
	if path == "" {
		return dagflow.DefaultConfig(), nil
	}
	config, err := dagflow.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return config, nil
}

func stopManager(manager *dagflow.Manager, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Stop(ctx); err != nil {
		logger.Warn("error stopping manager", "error", err)
	}
}

// loadDefinition reads a workflow definition, as YAML when the extension
// says so and as JSON otherwise.
func loadDefinition(path string) (dagflow.WorkflowDefinition, error) {
	var def dagflow.WorkflowDefinition

	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("failed to read workflow: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &def)
	default:
		err = json.Unmarshal(data, &def)
	}
	if err != nil {
		return def, fmt.Errorf("failed to parse workflow %s: %w", path, err)
	}
	return def, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
