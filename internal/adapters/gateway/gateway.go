package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// Gateway is the single exit point for outbound integration calls. It
// throttles per target, injects resolved credentials and classifies
// failures; retries and circuit breaking belong to the caller.
type Gateway struct {
	mu        sync.RWMutex
	cfg       domain.GatewayConfig
	throttle  bool
	limiter   ports.RateLimiter
	secrets   ports.SecretResolver
	transport ports.IntegrationTransport
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg *domain.Config, limiter ports.RateLimiter, secrets ports.SecretResolver, transport ports.IntegrationTransport, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if transport == nil {
		transport = NewHTTPTransport(nil)
	}
	if secrets == nil {
		secrets = NewSecretResolver(cfg.Gateway)
	}

	g := &Gateway{
		limiter:   limiter,
		secrets:   secrets,
		transport: transport,
		logger:    logger.With("component", "gateway"),
		now:       time.Now,
	}
	g.ApplyConfig(cfg)
	return g
}

var _ ports.Gateway = (*Gateway)(nil)

// ApplyConfig swaps the target table and pushes per-target rate limits into
// the limiter. It is safe to call while calls are in flight.
func (g *Gateway) ApplyConfig(cfg *domain.Config) {
	g.mu.Lock()
	g.cfg = cfg.Gateway
	g.throttle = cfg.RateLimiter.Enabled && g.limiter != nil
	g.mu.Unlock()

	if g.limiter == nil {
		return
	}
	targets := make(map[string]struct{})
	for name := range cfg.Gateway.Targets {
		targets[name] = struct{}{}
	}
	for name := range cfg.RateLimiter.TargetOverrides {
		targets[name] = struct{}{}
	}
	for name := range targets {
		g.limiter.SetLimit(name, cfg.RateLimitFor(name))
	}
	g.logger.Debug("applied gateway config", "targets", len(targets))
}

func (g *Gateway) Call(ctx context.Context, target, credentialsRef string, req domain.IntegrationRequest) (*domain.IntegrationResponse, error) {
	g.mu.RLock()
	cfg := g.cfg
	throttle := g.throttle
	g.mu.RUnlock()

	if target == "" {
		target = hostOf(req.URL)
	}
	targetCfg := cfg.Targets[target]

	rawURL, err := buildURL(targetCfg, req)
	if err != nil {
		return nil, domain.NewPermanentError(target, CodeInvalidRequest, "resolve url", err)
	}

	if throttle {
		if err := g.limiter.Wait(ctx, target); err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				return nil, domain.NewTransientError(target, CodeRateLimited, "local rate limit", err)
			}
			return nil, classifyTransportError(target, err)
		}
	}

	headers := make(map[string]string, len(targetCfg.Headers)+len(req.Headers)+2)
	if cfg.UserAgent != "" {
		headers["User-Agent"] = cfg.UserAgent
	}
	for k, v := range targetCfg.Headers {
		headers[k] = v
	}
	for k, v := range req.Headers {
		headers[k] = v
	}

	var cred *domain.Credential
	if credentialsRef != "" {
		c, err := g.credential(ctx, target, credentialsRef)
		if err != nil {
			return nil, err
		}
		cred = &c
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = targetCfg.Timeout
	}
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	resp, err := g.send(ctx, target, rawURL, req, headers, cred, timeout)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == 401 && cred != nil {
		if refresher, ok := g.secrets.(ports.SecretRefresher); ok {
			g.logger.Info("credential rejected, refreshing", "target", target, "ref", credentialsRef)
			fresh, err := refresher.Refresh(ctx, credentialsRef)
			if err != nil {
				return nil, domain.NewPermanentError(target, CodeCredentials, "refresh credential", err)
			}
			if resp, err = g.send(ctx, target, rawURL, req, headers, &fresh, timeout); err != nil {
				return nil, err
			}
		}
	}

	if !success(resp.StatusCode) {
		g.logger.Debug("integration call failed", "target", target, "status", resp.StatusCode, "duration", resp.Duration)
		return resp, classifyStatus(target, resp)
	}
	return resp, nil
}

// credential resolves ref, refreshing once when the resolver hands back an
// already expired credential.
func (g *Gateway) credential(ctx context.Context, target, ref string) (domain.Credential, error) {
	cred, err := g.secrets.Resolve(ctx, ref)
	if err != nil {
		return domain.Credential{}, domain.NewPermanentError(target, CodeCredentials, "resolve credential", err)
	}
	if !cred.Expired(g.now()) {
		return cred, nil
	}
	refresher, ok := g.secrets.(ports.SecretRefresher)
	if !ok {
		return cred, nil
	}
	if cred, err = refresher.Refresh(ctx, ref); err != nil {
		return domain.Credential{}, domain.NewPermanentError(target, CodeCredentials, "refresh credential", err)
	}
	return cred, nil
}

func (g *Gateway) send(ctx context.Context, target, rawURL string, req domain.IntegrationRequest, headers map[string]string, cred *domain.Credential, timeout time.Duration) (*domain.IntegrationResponse, error) {
	out := req
	out.Headers = make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out.Headers[k] = v
	}
	if cred != nil {
		applyCredential(out.Headers, *cred)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := g.transport.Do(callCtx, rawURL, out)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{Op: fmt.Sprintf("integration %s after %s", target, timeout), Err: err}
		}
		return nil, classifyTransportError(target, err)
	}
	return resp, nil
}

func applyCredential(headers map[string]string, cred domain.Credential) {
	switch cred.Type {
	case domain.CredentialBasic:
		token := base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Secret))
		headers["Authorization"] = "Basic " + token
	case domain.CredentialHeader, domain.CredentialAPIKey:
		name := cred.Header
		if name == "" {
			name = "X-API-Key"
		}
		headers[name] = cred.Secret
	default:
		headers["Authorization"] = "Bearer " + cred.Secret
	}
}

func buildURL(target domain.TargetConfig, req domain.IntegrationRequest) (string, error) {
	if req.URL != "" {
		return req.URL, nil
	}
	if target.BaseURL == "" {
		return "", fmt.Errorf("no url and no base url for target: %w", domain.ErrInvalidInput)
	}
	return strings.TrimRight(target.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/"), nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
