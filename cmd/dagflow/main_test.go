package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dagflow"
)

const greetWorkflow = `{
  "id": "greet",
  "nodes": [
    {"id": "start", "type": "manualTrigger"},
    {"id": "set", "type": "set", "parameters": {"values": {"greeting": "hello"}}}
  ],
  "connections": [{"source": "start", "target": "set"}]
}`

const cyclicWorkflow = `id: cyclic
nodes:
  - id: start
    type: manualTrigger
  - id: a
    type: noop
  - id: b
    type: noop
connections:
  - source: start
    target: a
  - source: a
    target: b
  - source: b
    target: a
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name        string
		level       string
		format      string
		expectError bool
	}{
		{name: "text info", level: "info", format: "text"},
		{name: "json debug", level: "debug", format: "json"},
		{name: "upper case level", level: "WARN", format: "text"},
		{name: "bad level", level: "loud", format: "text", expectError: true},
		{name: "bad format", level: "info", format: "xml", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := newLogger(io.Discard, tt.level, tt.format)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "info", "json")
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("shown", "key", "value")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "shown", record[slog.MessageKey])
	assert.Equal(t, "value", record["key"])
}

func TestLoadDefinition(t *testing.T) {
	def, err := loadDefinition(writeFile(t, "greet.json", greetWorkflow))
	require.NoError(t, err)
	assert.Equal(t, "greet", def.ID)
	assert.Len(t, def.Nodes, 2)

	def, err = loadDefinition(writeFile(t, "cyclic.yaml", cyclicWorkflow))
	require.NoError(t, err)
	assert.Equal(t, "cyclic", def.ID)
	assert.Len(t, def.Connections, 3)

	_, err = loadDefinition(writeFile(t, "broken.json", "{"))
	assert.Error(t, err)

	_, err = loadDefinition(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "-f", writeFile(t, "greet.json", greetWorkflow), "--log-level", "error")
	require.NoError(t, err)

	var report dagflow.ValidationReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Valid())

	out, err = execute(t, "validate", "-f", writeFile(t, "cyclic.yaml", cyclicWorkflow), "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation error")

	report = dagflow.ValidationReport{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Valid())
}

func TestValidateCommand_RequiresFile(t *testing.T) {
	_, err := execute(t, "validate")
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	out, err := execute(t, "run", "-f", writeFile(t, "greet.json", greetWorkflow),
		"--input", `{"name": "ada"}`, "--log-level", "error")
	require.NoError(t, err)

	var exec dagflow.ExecutionContext
	require.NoError(t, json.Unmarshal([]byte(out), &exec))
	assert.Equal(t, dagflow.ExecutionSuccess, exec.Status)
	assert.Equal(t, "greet", exec.WorkflowID)
	assert.Contains(t, exec.Results, "set")
}

func TestRunCommand_InvalidInput(t *testing.T) {
	_, err := execute(t, "run", "-f", writeFile(t, "greet.json", greetWorkflow), "--input", "{nope", "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--input")
}

func TestRunCommand_RejectsInvalidWorkflow(t *testing.T) {
	_, err := execute(t, "run", "-f", writeFile(t, "cyclic.yaml", cyclicWorkflow), "--log-level", "error")
	require.Error(t, err)
	assert.True(t, dagflow.IsValidationFailed(err))
}

func TestStatusCommand(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	config := dagflow.NewConfigBuilder().WithInstanceID("cli-test").WithObservability(0).MustBuild()
	ctx := context.Background()
	manager, err := dagflow.New(ctx, config, dagflow.WithGRPCListener(lis))
	require.NoError(t, err)
	require.NoError(t, manager.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Stop(stopCtx)
	}()

	var def dagflow.WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(greetWorkflow), &def))
	exec, err := manager.Run(ctx, def, nil, dagflow.ExecutionOptions{})
	require.NoError(t, err)

	addr := lis.Addr().String()

	out, err := execute(t, "status", "--addr", addr, "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "SERVING\n", out)

	out, err = execute(t, "status", "--addr", addr, exec.ExecutionID, "--log-level", "error")
	require.NoError(t, err)

	var remote dagflow.ExecutionContext
	require.NoError(t, json.Unmarshal([]byte(out), &remote))
	assert.Equal(t, exec.ExecutionID, remote.ExecutionID)
	assert.Equal(t, dagflow.ExecutionSuccess, remote.Status)

	_, err = execute(t, "status", "--addr", addr, "no-such-execution", "--log-level", "error")
	require.Error(t, err)
	assert.True(t, dagflow.IsNotFound(err))
}
