package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dagflow/internal/adapters/rate_limiter"
	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

func newTestGateway(t *testing.T, cfg *domain.Config, secrets ports.SecretResolver) *Gateway {
	t.Helper()
	limiter := rate_limiter.NewLimiter(domain.RateLimitSettings{
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		WaitTimeout:       50 * time.Millisecond,
	}, nil)
	t.Cleanup(limiter.Close)
	return New(cfg, limiter, secrets, nil, nil)
}

func testConfig(baseURL string) *domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Gateway.Targets = map[string]domain.TargetConfig{
		"api": {BaseURL: baseURL, Headers: map[string]string{"X-Team": "core"}},
	}
	cfg.Gateway.Secrets = map[string]string{"token": "bearer:abc"}
	return cfg
}

func TestGatewayCallSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/items", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "core", r.Header.Get("X-Team"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "widget", body["name"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer server.Close()

	g := newTestGateway(t, testConfig(server.URL), nil)

	resp, err := g.Call(context.Background(), "api", "token", domain.IntegrationRequest{
		Method: "POST",
		Path:   "/v1/items",
		Query:  map[string]string{"page": "1"},
		Body:   map[string]interface{}{"name": "widget"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"id": float64(7)}, resp.Body)
}

func TestGatewayClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		transient bool
	}{
		{"server error", http.StatusServiceUnavailable, CodeAPIError, true},
		{"throttled", http.StatusTooManyRequests, CodeRateLimited, true},
		{"request timeout", http.StatusRequestTimeout, CodeAPIError, true},
		{"bad request", http.StatusBadRequest, CodeAPIError, false},
		{"not found", http.StatusNotFound, CodeAPIError, false},
		{"forbidden", http.StatusForbidden, CodeUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			g := newTestGateway(t, testConfig(server.URL), nil)
			_, err := g.Call(context.Background(), "api", "", domain.IntegrationRequest{Method: "GET", Path: "/"})
			require.Error(t, err)

			var ie *domain.IntegrationError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.code, ie.Code)
			assert.Equal(t, tt.status, ie.StatusCode)
			assert.Equal(t, tt.transient, domain.IsTransient(err))
		})
	}
}

func TestGatewayNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	g := newTestGateway(t, testConfig(url), nil)
	_, err := g.Call(context.Background(), "api", "", domain.IntegrationRequest{Method: "GET", Path: "/"})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, domain.KindIntegrationTransient, domain.KindOf(err))
}

func TestGatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	g := newTestGateway(t, testConfig(server.URL), nil)
	_, err := g.Call(context.Background(), "api", "", domain.IntegrationRequest{
		Method:  "GET",
		Path:    "/slow",
		Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, domain.IsTimeout(err))
	assert.True(t, domain.IsTransient(err))
}

func TestGatewayRefreshesOnUnauthorized(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	var refreshed int32
	secrets := NewSecretResolver(cfg.Gateway, WithRefreshFunc(func(ctx context.Context, ref string) (string, error) {
		atomic.AddInt32(&refreshed, 1)
		return "bearer:fresh", nil
	}))

	g := newTestGateway(t, cfg, secrets)
	resp, err := g.Call(context.Background(), "api", "token", domain.IntegrationRequest{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshed))
}

func TestGatewayUnauthorizedAfterRefreshIsPermanent(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	g := newTestGateway(t, testConfig(server.URL), nil)
	_, err := g.Call(context.Background(), "api", "token", domain.IntegrationRequest{Method: "GET", Path: "/"})
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "one refresh attempt only")
}

type expiringResolver struct {
	refreshed int32
}

func (r *expiringResolver) Resolve(ctx context.Context, ref string) (domain.Credential, error) {
	return domain.Credential{Type: domain.CredentialBearer, Secret: "stale", ExpiresAt: time.Now().Add(-time.Minute)}, nil
}

func (r *expiringResolver) Refresh(ctx context.Context, ref string) (domain.Credential, error) {
	atomic.AddInt32(&r.refreshed, 1)
	return domain.Credential{Type: domain.CredentialBearer, Secret: "renewed"}, nil
}

func TestGatewayRefreshesExpiredCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer renewed", r.Header.Get("Authorization"))
	}))
	defer server.Close()

	resolver := &expiringResolver{}
	g := newTestGateway(t, testConfig(server.URL), resolver)
	_, err := g.Call(context.Background(), "api", "token", domain.IntegrationRequest{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&resolver.refreshed))
}

func TestGatewayMissingCredential(t *testing.T) {
	g := newTestGateway(t, testConfig("http://127.0.0.1:1"), nil)
	_, err := g.Call(context.Background(), "api", "missing", domain.IntegrationRequest{Method: "GET", Path: "/"})
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGatewayRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Gateway.Targets["api"] = domain.TargetConfig{
		BaseURL:   server.URL,
		RateLimit: &domain.RateLimitSettings{RequestsPerSecond: 0.001, BurstSize: 1},
	}

	g := newTestGateway(t, cfg, nil)
	_, err := g.Call(context.Background(), "api", "", domain.IntegrationRequest{Method: "GET", Path: "/"})
	require.NoError(t, err)

	_, err = g.Call(context.Background(), "api", "", domain.IntegrationRequest{Method: "GET", Path: "/"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.True(t, domain.IsTransient(err))
}

func TestGatewayRequiresURL(t *testing.T) {
	g := newTestGateway(t, domain.DefaultConfig(), nil)
	_, err := g.Call(context.Background(), "unknown", "", domain.IntegrationRequest{Method: "GET", Path: "/x"})
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err))
}

func TestParseCredential(t *testing.T) {
	tests := []struct {
		value string
		want  domain.Credential
	}{
		{"plain", domain.Credential{Type: domain.CredentialBearer, Secret: "plain"}},
		{"bearer:tok", domain.Credential{Type: domain.CredentialBearer, Secret: "tok"}},
		{"basic:u:p:w", domain.Credential{Type: domain.CredentialBasic, Username: "u", Secret: "p:w"}},
		{"header:X-Token:v", domain.Credential{Type: domain.CredentialHeader, Header: "X-Token", Secret: "v"}},
		{"apiKey:k", domain.Credential{Type: domain.CredentialAPIKey, Header: "X-API-Key", Secret: "k"}},
	}
	for _, tt := range tests {
		got, err := ParseCredential(tt.value)
		require.NoError(t, err, tt.value)
		assert.Equal(t, tt.want, got, tt.value)
	}

	_, err := ParseCredential("basic:nouser")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSecretResolverEnvironment(t *testing.T) {
	env := map[string]string{"DAGFLOW_SECRET_SLACK_BOT": "header:X-Slack:s3"}
	r := NewSecretResolver(domain.GatewayConfig{SecretEnv: "DAGFLOW_SECRET_"}, WithLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	cred, err := r.Resolve(context.Background(), "slack-bot")
	require.NoError(t, err)
	assert.Equal(t, "X-Slack", cred.Header)
	assert.Equal(t, "s3", cred.Secret)
}

func TestApplyCredential(t *testing.T) {
	headers := map[string]string{}
	applyCredential(headers, domain.Credential{Type: domain.CredentialBasic, Username: "u", Secret: "p"})
	assert.Equal(t, "Basic dTpw", headers["Authorization"])
}
