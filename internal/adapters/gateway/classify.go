package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/eleven-am/dagflow/internal/domain"
)

const (
	CodeAPIError       = "API_ERROR"
	CodeRateLimited    = "RATE_LIMITED"
	CodeNetworkError   = "NETWORK_ERROR"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeCredentials    = "CREDENTIALS_ERROR"
)

// classifyStatus maps a non-success response onto an integration error.
// Throttling, request timeouts and server faults are transient; every other
// client error is permanent.
func classifyStatus(target string, resp *domain.IntegrationResponse) error {
	code := resp.StatusCode
	msg := http.StatusText(code)

	switch {
	case code == http.StatusTooManyRequests:
		return &domain.IntegrationError{Target: target, Code: CodeRateLimited, StatusCode: code, Transient: true, Message: "upstream rate limit"}
	case code == http.StatusRequestTimeout || code >= 500:
		return &domain.IntegrationError{Target: target, Code: CodeAPIError, StatusCode: code, Transient: true, Message: msg}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &domain.IntegrationError{Target: target, Code: CodeUnauthorized, StatusCode: code, Message: msg}
	default:
		return &domain.IntegrationError{Target: target, Code: CodeAPIError, StatusCode: code, Message: msg}
	}
}

func classifyTransportError(target string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("integration %s: %w", target, domain.ErrCancelled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.TimeoutError{Op: "integration " + target, Err: err}
	}
	return domain.NewTransientError(target, CodeNetworkError, "request failed", err)
}

func success(code int) bool {
	return code >= 200 && code < 400
}
