package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// SecretResolver resolves credential references from configured literals,
// then from the environment under a prefix. Values are encoded as
//
//	bearer:<token>
//	basic:<user>:<password>
//	header:<name>:<value>
//	apiKey:<key>
//
// and a value without a recognised scheme is a bearer token.
type SecretResolver struct {
	mu      sync.RWMutex
	static  map[string]string
	prefix  string
	lookup  func(string) (string, bool)
	refresh func(ctx context.Context, ref string) (string, error)
}

type SecretOption func(*SecretResolver)

// WithLookup replaces the environment lookup.
func WithLookup(lookup func(string) (string, bool)) SecretOption {
	return func(r *SecretResolver) {
		r.lookup = lookup
	}
}

// WithRefreshFunc installs the source used to mint a replacement secret
// after an upstream rejects the current one.
func WithRefreshFunc(fn func(ctx context.Context, ref string) (string, error)) SecretOption {
	return func(r *SecretResolver) {
		r.refresh = fn
	}
}

func NewSecretResolver(cfg domain.GatewayConfig, opts ...SecretOption) *SecretResolver {
	static := make(map[string]string, len(cfg.Secrets))
	for k, v := range cfg.Secrets {
		static[k] = v
	}
	r := &SecretResolver{
		static: static,
		prefix: cfg.SecretEnv,
		lookup: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	_ ports.SecretResolver  = (*SecretResolver)(nil)
	_ ports.SecretRefresher = (*SecretResolver)(nil)
)

func (r *SecretResolver) Resolve(ctx context.Context, ref string) (domain.Credential, error) {
	if ref == "" {
		return domain.Credential{}, fmt.Errorf("empty credential reference: %w", domain.ErrInvalidInput)
	}

	r.mu.RLock()
	value, ok := r.static[ref]
	r.mu.RUnlock()
	if !ok && r.prefix != "" {
		value, ok = r.lookup(envName(r.prefix, ref))
	}
	if !ok || value == "" {
		return domain.Credential{}, fmt.Errorf("credential %q: %w", ref, domain.ErrNotFound)
	}
	return ParseCredential(value)
}

// Refresh asks the refresh source for a new value and caches it; without a
// source it re-reads the configured value.
func (r *SecretResolver) Refresh(ctx context.Context, ref string) (domain.Credential, error) {
	if r.refresh == nil {
		return r.Resolve(ctx, ref)
	}
	value, err := r.refresh(ctx, ref)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("refresh credential %q: %w", ref, err)
	}
	r.mu.Lock()
	r.static[ref] = value
	r.mu.Unlock()
	return ParseCredential(value)
}

func ParseCredential(value string) (domain.Credential, error) {
	scheme, rest, found := strings.Cut(value, ":")
	if !found {
		return domain.Credential{Type: domain.CredentialBearer, Secret: value}, nil
	}

	switch domain.CredentialType(scheme) {
	case domain.CredentialBearer:
		return domain.Credential{Type: domain.CredentialBearer, Secret: rest}, nil
	case domain.CredentialAPIKey:
		return domain.Credential{Type: domain.CredentialAPIKey, Header: "X-API-Key", Secret: rest}, nil
	case domain.CredentialBasic:
		user, pass, ok := strings.Cut(rest, ":")
		if !ok {
			return domain.Credential{}, fmt.Errorf("basic credential needs user:password: %w", domain.ErrInvalidInput)
		}
		return domain.Credential{Type: domain.CredentialBasic, Username: user, Secret: pass}, nil
	case domain.CredentialHeader:
		name, secret, ok := strings.Cut(rest, ":")
		if !ok || name == "" {
			return domain.Credential{}, fmt.Errorf("header credential needs name:value: %w", domain.ErrInvalidInput)
		}
		return domain.Credential{Type: domain.CredentialHeader, Header: name, Secret: secret}, nil
	default:
		return domain.Credential{Type: domain.CredentialBearer, Secret: value}, nil
	}
}

func envName(prefix, ref string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, r := range ref {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
