package nodes

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/eleven-am/dagflow/internal/domain"
)

func stringParam(node domain.Node, name string) string {
	if v, ok := node.Parameters[name].(string); ok {
		return v
	}
	return ""
}

// intParam accepts the numeric shapes JSON and YAML decoding produce.
func intParam(node domain.Node, name string, fallback int) (int, error) {
	raw, ok := node.Parameters[name]
	if !ok || raw == nil {
		return fallback, nil
	}
	return toInt(raw)
}

func toInt(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", raw)
	}
}

func boolParam(node domain.Node, name string) bool {
	v, _ := node.Parameters[name].(bool)
	return v
}

func stringMapParam(node domain.Node, name string) map[string]string {
	raw, ok := node.Parameters[name].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func secondsParam(node domain.Node, name string) (time.Duration, error) {
	n, err := intParam(node, name, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func finding(node domain.Node, field string, severity domain.Severity, rule, format string, args ...interface{}) domain.Finding {
	return domain.Finding{
		Field:    "nodes." + node.ID + ".parameters." + field,
		NodeID:   node.ID,
		Severity: severity,
		Rule:     rule,
		Message:  fmt.Sprintf(format, args...),
	}
}
