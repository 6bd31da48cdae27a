package nodes

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

var allowedMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"HEAD":    true,
	"OPTIONS": true,
}

const (
	minTimeoutSeconds = 1
	maxTimeoutSeconds = 300
)

type httpRequest struct {
	gateway   ports.Gateway
	evaluator ports.ExpressionEvaluator
}

func (n *httpRequest) Spec() domain.NodeSpec {
	return domain.NodeSpec{
		Type:     domain.NodeTypeHTTPRequest,
		Kind:     domain.KindIntegration,
		Version:  1,
		Inputs:   1,
		Outputs:  1,
		Required: []string{"url"},
		Produces: domain.PayloadJSON,
		Accepts:  []domain.PayloadKind{domain.PayloadAny},
	}
}

// Target names the circuit and rate-limit bucket: the explicit target
// parameter, else the url's host.
func (n *httpRequest) Target(node domain.Node, input ports.NodeInput) string {
	params, err := resolveOnly(n.evaluator, node, input, "target", "url")
	if err != nil {
		return ""
	}
	return hostTarget(params)
}

func hostTarget(params domain.Node) string {
	if t := stringParam(params, "target"); t != "" {
		return t
	}
	u, err := url.Parse(stringParam(params, "url"))
	if err != nil {
		return ""
	}
	return u.Host
}

func (n *httpRequest) CheckParameters(node domain.Node) []domain.Finding {
	var findings []domain.Finding

	method := strings.ToUpper(stringParam(node, "method"))
	if method != "" && !allowedMethods[method] {
		findings = append(findings, finding(node, "method", domain.SeverityError, "http_method",
			"unsupported HTTP method %q", method))
	}

	raw := stringParam(node, "url")
	if _, isTemplate := templateExpression(raw); raw != "" && !isTemplate && !validURL(raw, stringParam(node, "target") != "") {
		findings = append(findings, finding(node, "url", domain.SeverityError, "http_url",
			"url %q must be an absolute http or https URL", raw))
	}

	findings = append(findings, checkTimeout(node)...)
	return findings
}

// validURL accepts absolute http(s) URLs, or paths when a target supplies the base URL.
func validURL(raw string, hasTarget bool) bool {
	if hasTarget && strings.HasPrefix(raw, "/") {
		return true
	}
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func checkTimeout(node domain.Node) []domain.Finding {
	if _, ok := node.Parameters["timeout"]; !ok {
		return nil
	}
	seconds, err := intParam(node, "timeout", 0)
	if err != nil || seconds < minTimeoutSeconds || seconds > maxTimeoutSeconds {
		return []domain.Finding{finding(node, "timeout", domain.SeverityError, "timeout_range",
			"timeout must be between %d and %d seconds", minTimeoutSeconds, maxTimeoutSeconds)}
	}
	return nil
}

func (n *httpRequest) Execute(ctx context.Context, node domain.Node, input ports.NodeInput) (ports.NodeOutput, error) {
	if n.gateway == nil {
		return ports.NodeOutput{}, domain.NewSystemError("http-request", "execute", fmt.Errorf("no gateway: %w", domain.ErrInvalidConfig))
	}

	env := Env(input)
	resolved, err := Resolve(n.evaluator, node.Parameters, env)
	if err != nil {
		return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "resolve parameters", err)
	}
	params := domain.Node{ID: node.ID, Parameters: resolved.(map[string]interface{})}

	method := strings.ToUpper(stringParam(params, "method"))
	if method == "" {
		method = "GET"
	}

	req := domain.IntegrationRequest{
		Method:  method,
		Headers: stringMapParam(params, "headers"),
		Query:   stringMapParam(params, "query"),
	}

	target := hostTarget(params)
	raw := stringParam(params, "url")
	if strings.HasPrefix(raw, "/") {
		req.Path = raw
	} else {
		req.URL = raw
	}

	if body, ok := params.Parameters["body"]; ok {
		req.Body = body
	} else if method == "POST" || method == "PUT" || method == "PATCH" {
		req.Body = input.Data
	}

	if req.Timeout, err = secondsParam(params, "timeout"); err != nil {
		return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "timeout parameter", err)
	}

	resp, err := n.gateway.Call(ctx, target, stringParam(params, "credentials"), req)
	if err != nil {
		return ports.NodeOutput{}, err
	}

	headers := make(map[string]interface{}, len(resp.Headers))
	for k := range resp.Headers {
		headers[k] = resp.Headers.Get(k)
	}

	return ports.NodeOutput{Data: map[string]interface{}{
		"statusCode": resp.StatusCode,
		"headers":    headers,
		"body":       resp.Body,
	}}, nil
}

// queryNode sends a parameterised SQL statement to an SQL-over-HTTP target
// and outputs the returned rows.
type queryNode struct {
	gateway   ports.Gateway
	evaluator ports.ExpressionEvaluator
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\{\{.*\}\}`),
	regexp.MustCompile(`(?i)'\s*\+|\+\s*'`),
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate|alter)\s`),
	regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`),
	regexp.MustCompile(`--`),
}

func (n *queryNode) Spec() domain.NodeSpec {
	return domain.NodeSpec{
		Type:     domain.NodeTypeQuery,
		Kind:     domain.KindIntegration,
		Version:  1,
		Inputs:   1,
		Outputs:  1,
		Required: []string{"query"},
		Produces: domain.PayloadRows,
		Accepts:  []domain.PayloadKind{domain.PayloadAny},
	}
}

func (n *queryNode) Target(node domain.Node, input ports.NodeInput) string {
	params, err := resolveOnly(n.evaluator, node, input, "target")
	if err != nil {
		return ""
	}
	return queryTarget(params)
}

func queryTarget(params domain.Node) string {
	if t := stringParam(params, "target"); t != "" {
		return t
	}
	return string(domain.NodeTypeQuery)
}

func (n *queryNode) CheckParameters(node domain.Node) []domain.Finding {
	var findings []domain.Finding
	query := stringParam(node, "query")
	for _, p := range injectionPatterns {
		if p.MatchString(query) {
			findings = append(findings, finding(node, "query", domain.SeverityWarning, "sql_injection",
				"query looks like it interpolates values; pass them through parameters instead"))
			break
		}
	}
	if raw, ok := node.Parameters["parameters"]; ok {
		if _, isList := raw.([]interface{}); !isList {
			findings = append(findings, finding(node, "parameters", domain.SeverityError, "parameter_type",
				"parameters must be a list"))
		}
	}
	return append(findings, checkTimeout(node)...)
}

func (n *queryNode) Execute(ctx context.Context, node domain.Node, input ports.NodeInput) (ports.NodeOutput, error) {
	if n.gateway == nil {
		return ports.NodeOutput{}, domain.NewSystemError("query", "execute", fmt.Errorf("no gateway: %w", domain.ErrInvalidConfig))
	}

	params, err := Resolve(n.evaluator, node.Parameters["parameters"], Env(input))
	if err != nil {
		return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "resolve parameters", err)
	}
	if params == nil {
		params = []interface{}{}
	}

	timeout, err := secondsParam(node, "timeout")
	if err != nil {
		return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "timeout parameter", err)
	}

	resp, err := n.gateway.Call(ctx, n.Target(node, input), stringParam(node, "credentials"), domain.IntegrationRequest{
		Method:  "POST",
		Path:    stringParam(node, "path"),
		Timeout: timeout,
		Body: map[string]interface{}{
			"query":  stringParam(node, "query"),
			"params": params,
		},
	})
	if err != nil {
		return ports.NodeOutput{}, err
	}

	switch body := resp.Body.(type) {
	case []interface{}:
		return ports.NodeOutput{Data: body}, nil
	case map[string]interface{}:
		if rows, ok := body["rows"].([]interface{}); ok {
			return ports.NodeOutput{Data: rows}, nil
		}
	case nil:
		return ports.NodeOutput{Data: []interface{}{}}, nil
	}
	return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "decode rows",
		fmt.Errorf("unexpected response body %T", resp.Body))
}
