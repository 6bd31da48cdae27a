package domain

import (
	"sort"

	"dario.cat/mergo"
)

// MergeOutputs combines the outputs of several predecessors into one node input.
// Object outputs are deep merged in source order, later sources winning; any
// non-object output is kept under its source node id.
func MergeOutputs(sources []string, outputs map[string]interface{}) (interface{}, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	if len(sources) == 1 {
		return outputs[sources[0]], nil
	}

	ordered := append([]string(nil), sources...)
	sort.Strings(ordered)

	merged := make(map[string]interface{})
	for _, src := range ordered {
		switch v := outputs[src].(type) {
		case map[string]interface{}:
			cp := cloneValue(v).(map[string]interface{})
			if err := mergo.Merge(&merged, cp, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
				return nil, NewSystemError("merge", "mergo_merge", err)
			}
		case nil:
		default:
			merged[src] = v
		}
	}
	return merged, nil
}
