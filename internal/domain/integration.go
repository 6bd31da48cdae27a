package domain

import (
	"net/http"
	"time"
)

type IntegrationRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

type IntegrationResponse struct {
	StatusCode int           `json:"statusCode"`
	Headers    http.Header   `json:"headers,omitempty"`
	Body       interface{}   `json:"body,omitempty"`
	Raw        []byte        `json:"-"`
	Duration   time.Duration `json:"duration"`
}

type CredentialType string

const (
	CredentialBearer CredentialType = "bearer"
	CredentialBasic  CredentialType = "basic"
	CredentialHeader CredentialType = "header"
	CredentialAPIKey CredentialType = "apiKey"
)

// Credential is resolved per call and never persisted.
type Credential struct {
	Type      CredentialType
	Header    string
	Username  string
	Secret    string
	ExpiresAt time.Time
}

func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}
