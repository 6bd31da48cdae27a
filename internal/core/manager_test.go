package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	grpctransport "github.com/eleven-am/dagflow/internal/adapters/grpc"
	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

type stubTransport struct {
	calls  atomic.Int64
	status int
}

func (s *stubTransport) Do(ctx context.Context, url string, req domain.IntegrationRequest) (*domain.IntegrationResponse, error) {
	s.calls.Add(1)
	return &domain.IntegrationResponse{
		StatusCode: s.status,
		Body:       map[string]interface{}{"url": url},
	}, nil
}

func testConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.InstanceID = "test"
	cfg.Observability.Enabled = false
	cfg.Transport.Enabled = false
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.Jitter = 0
	cfg.CircuitBreaker.Default.FailureThreshold = 2
	cfg.CircuitBreaker.Default.CoolDown = time.Minute
	cfg.CircuitBreaker.Default.Timeout = time.Minute
	return cfg
}

func newStartedManager(t *testing.T, cfg *domain.Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func setWorkflow(id string) domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ID: id,
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeTypeManualTrigger},
			{ID: "set", Type: domain.NodeTypeSet, Parameters: map[string]interface{}{
				"values": map[string]interface{}{"greeting": "hello"},
			}},
		},
		Connections: []domain.Connection{{Source: "start", Target: "set"}},
	}
}

func httpWorkflow(id string) domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ID: id,
		Nodes: []domain.Node{
			{ID: "start", Type: domain.NodeTypeManualTrigger},
			{ID: "call", Type: domain.NodeTypeHTTPRequest, Parameters: map[string]interface{}{
				"url":    "https://billing.example.com/invoices",
				"target": "billing",
			}},
		},
		Connections: []domain.Connection{{Source: "start", Target: "call"}},
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "floppy"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*domain.ConfigError))
}

func TestManager_RunToCompletion(t *testing.T) {
	m := newStartedManager(t, testConfig())

	var finished atomic.Int64
	unsubscribe := m.Subscribe("execution.*", func(ctx context.Context, e domain.Event) error {
		finished.Add(1)
		return nil
	})
	defer unsubscribe()

	exec, err := m.Run(context.Background(), setWorkflow("greet"), map[string]interface{}{"name": "ada"}, domain.ExecutionOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSuccess, exec.Status)

	out, ok := exec.Results["set"].Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", out["greeting"])

	stored, err := m.Status(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSuccess, stored.Status)

	assert.Equal(t, int64(1), m.Metrics().ExecutionsSucceeded)
	require.Eventually(t, func() bool { return finished.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestManager_SubmitRejectsInvalidDefinition(t *testing.T) {
	m := newStartedManager(t, testConfig())

	def := setWorkflow("broken")
	def.Connections = append(def.Connections, domain.Connection{Source: "set", Target: "start"})

	report := m.Validate(def)
	assert.False(t, report.Valid())

	_, err := m.Submit(context.Background(), def, nil, domain.ExecutionOptions{})
	assert.True(t, domain.IsValidationFailed(err))
	assert.Empty(t, m.Active())
}

func TestManager_CircuitOpensForFailingTarget(t *testing.T) {
	transport := &stubTransport{status: http.StatusServiceUnavailable}
	m := newStartedManager(t, testConfig(), WithIntegrationTransport(transport))

	for i := 0; i < 2; i++ {
		exec, err := m.Run(context.Background(), httpWorkflow(fmt.Sprintf("billing-%d", i)), nil, domain.ExecutionOptions{})
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionError, exec.Status)
	}
	assert.Equal(t, int64(2), transport.calls.Load())

	breakers := m.BreakerMetrics()
	require.Contains(t, breakers, "billing")
	assert.Equal(t, ports.CircuitOpen, breakers["billing"].State)

	exec, err := m.Run(context.Background(), httpWorkflow("billing-open"), nil, domain.ExecutionOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionError, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, domain.KindCircuitOpen, exec.Results["call"].Error.Kind)
	assert.Equal(t, int64(2), transport.calls.Load(), "open circuit must not reach the transport")

	health := m.GetHealth()
	assert.Equal(t, 1, health.Details["open_circuits"])

	require.True(t, m.ResetCircuit("billing"))
	assert.Equal(t, ports.CircuitClosed, m.BreakerMetrics()["billing"].State)
	assert.False(t, m.ResetCircuit("unknown"))
}

func TestManager_CircuitFollowsTemplatedURL(t *testing.T) {
	transport := &stubTransport{status: http.StatusServiceUnavailable}
	m := newStartedManager(t, testConfig(), WithIntegrationTransport(transport))

	def := func(id string) domain.WorkflowDefinition {
		return domain.WorkflowDefinition{
			ID: id,
			Nodes: []domain.Node{
				{ID: "start", Type: domain.NodeTypeManualTrigger},
				{ID: "call", Type: domain.NodeTypeHTTPRequest, Parameters: map[string]interface{}{
					"url": "{{ json.url }}",
				}},
			},
			Connections: []domain.Connection{{Source: "start", Target: "call"}},
		}
	}
	input := map[string]interface{}{"url": "https://api.example.com/orders"}

	for i := 0; i < 5; i++ {
		exec, err := m.Run(context.Background(), def(fmt.Sprintf("templated-%d", i)), input, domain.ExecutionOptions{})
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionError, exec.Status)
	}

	assert.Equal(t, int64(2), transport.calls.Load(), "calls past the threshold must be refused by the circuit")
	breakers := m.BreakerMetrics()
	require.Contains(t, breakers, "api.example.com")
	assert.Equal(t, ports.CircuitOpen, breakers["api.example.com"].State)
	assert.NotContains(t, breakers, "")
}

func TestManager_PermanentFailuresDoNotOpenCircuit(t *testing.T) {
	transport := &stubTransport{status: http.StatusNotFound}
	m := newStartedManager(t, testConfig(), WithIntegrationTransport(transport))

	for i := 0; i < 3; i++ {
		_, err := m.Run(context.Background(), httpWorkflow(fmt.Sprintf("missing-%d", i)), nil, domain.ExecutionOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), transport.calls.Load())
	assert.Equal(t, ports.CircuitClosed, m.BreakerMetrics()["billing"].State)
	assert.Equal(t, int64(3), m.RateLimits()["billing"].Admitted)
}

func TestManager_StartStopLifecycle(t *testing.T) {
	m, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	assert.False(t, m.GetHealth().Ready)

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), domain.ErrAlreadyStarted)

	health := m.GetHealth()
	assert.True(t, health.Healthy)
	assert.True(t, health.Ready)
	assert.Equal(t, "memory", health.Details["storage"])

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	health = m.GetHealth()
	assert.False(t, health.Healthy)
	assert.ErrorIs(t, m.Start(context.Background()), domain.ErrClosed)
}

func TestManager_ServesGRPC(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	newStartedManager(t, testConfig(), WithGRPCListener(lis))

	client, err := grpctransport.NewClient(grpctransport.ClientConfig{Address: "passthrough:///bufnet"}, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Submit(context.Background(), &grpctransport.SubmitRequest{Definition: setWorkflow("remote"), Wait: true})
	require.NoError(t, err)
	require.NotNil(t, resp.Execution)
	assert.Equal(t, domain.ExecutionSuccess, resp.Execution.Status)

	exec, err := client.Status(context.Background(), resp.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "remote", exec.WorkflowID)
}

func TestManager_ServesObservability(t *testing.T) {
	cfg := testConfig()
	cfg.Observability.Enabled = true
	cfg.Observability.Port = 0
	m := newStartedManager(t, cfg)

	require.Eventually(t, func() bool { return m.ObservabilityAddress() != "" }, 2*time.Second, 10*time.Millisecond)
	_, port, err := net.SplitHostPort(m.ObservabilityAddress())
	require.NoError(t, err)

	resp, err := http.Get("http://127.0.0.1:" + port + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ready", string(body))

	health, err := http.Get("http://127.0.0.1:" + port + "/health")
	require.NoError(t, err)
	defer health.Body.Close()

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(health.Body).Decode(&status))
	assert.Equal(t, "ok", status["status"])
}

func TestManager_ApplyConfig(t *testing.T) {
	m := newStartedManager(t, testConfig())

	next := testConfig()
	next.WithTarget("billing", domain.TargetConfig{BaseURL: "https://billing.internal"})
	next.CircuitBreaker.Default.FailureThreshold = 9
	require.NoError(t, m.ApplyConfig(next))

	assert.Equal(t, "https://billing.internal", m.Config().Gateway.Targets["billing"].BaseURL)
	assert.Equal(t, 9, m.breakerConfig("billing").FailureThreshold)
	assert.Equal(t, "test", m.Config().InstanceID)

	bad := testConfig()
	bad.InstanceID = ""
	assert.Error(t, m.ApplyConfig(bad))
	assert.Equal(t, 9, m.Config().CircuitBreaker.Default.FailureThreshold)
}

func TestManager_ReloadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dagflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  targets:\n    crm:\n      base_url: https://crm.internal\n"), 0o600))

	m := newStartedManager(t, testConfig(), WithConfigFile(path))
	require.NoError(t, m.ReloadConfig())
	assert.Equal(t, "https://crm.internal", m.Config().Gateway.Targets["crm"].BaseURL)

	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: floppy\n"), 0o600))
	assert.Error(t, m.ReloadConfig())
	assert.Contains(t, m.Config().Gateway.Targets, "crm")

	other := newStartedManager(t, testConfig())
	assert.ErrorIs(t, other.ReloadConfig(), domain.ErrInvalidConfig)
}

func TestCountsAgainstCircuit(t *testing.T) {
	assert.True(t, countsAgainstCircuit(domain.NewTransientError("t", "API_ERROR", "boom", nil)))
	assert.True(t, countsAgainstCircuit(&domain.TimeoutError{Op: "call"}))
	assert.True(t, countsAgainstCircuit(errors.New("unclassified")))
	assert.False(t, countsAgainstCircuit(domain.NewPermanentError("t", "API_ERROR", "not found", nil)))
	assert.False(t, countsAgainstCircuit(context.Canceled))
}
