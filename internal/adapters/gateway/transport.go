package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

const maxResponseBytes = 10 << 20

// HTTPTransport performs integration calls over HTTP. Every request is traced
// through otelhttp so spans join the caller's execution trace.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(base http.RoundTripper) *HTTPTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &HTTPTransport{
		client: &http.Client{Transport: otelhttp.NewTransport(base)},
	}
}

var _ ports.IntegrationTransport = (*HTTPTransport)(nil)

func (t *HTTPTransport) Do(ctx context.Context, rawURL string, req domain.IntegrationRequest) (*domain.IntegrationResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &domain.IntegrationResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       decodeBody(resp.Header.Get("Content-Type"), raw),
		Raw:        raw,
		Duration:   time.Since(start),
	}, nil
}

func encodeBody(body interface{}) (io.Reader, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return bytes.NewReader(v), "application/octet-stream", nil
	case string:
		return strings.NewReader(v), "text/plain; charset=utf-8", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// decodeBody returns parsed JSON when the payload is JSON, else the text.
func decodeBody(contentType string, raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") || json.Valid(raw) {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
