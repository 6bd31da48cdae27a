package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMergeOutputs_ObjectMerging(t *testing.T) {
	tests := []struct {
		name     string
		sources  []string
		outputs  map[string]interface{}
		expected interface{}
	}{
		{
			name:     "no sources",
			sources:  nil,
			outputs:  nil,
			expected: nil,
		},
		{
			name:     "single source passes through",
			sources:  []string{"a"},
			outputs:  map[string]interface{}{"a": []interface{}{1, 2}},
			expected: []interface{}{1, 2},
		},
		{
			name:    "disjoint objects",
			sources: []string{"a", "b"},
			outputs: map[string]interface{}{
				"a": map[string]interface{}{"name": "ada"},
				"b": map[string]interface{}{"age": 36},
			},
			expected: map[string]interface{}{"name": "ada", "age": 36},
		},
		{
			name:    "later source wins regardless of arrival order",
			sources: []string{"b", "a"},
			outputs: map[string]interface{}{
				"a": map[string]interface{}{"city": "Boston"},
				"b": map[string]interface{}{"city": "NYC"},
			},
			expected: map[string]interface{}{"city": "NYC"},
		},
		{
			name:    "nested objects merge deeply",
			sources: []string{"a", "b"},
			outputs: map[string]interface{}{
				"a": map[string]interface{}{"user": map[string]interface{}{"name": "ada", "age": 30}},
				"b": map[string]interface{}{"user": map[string]interface{}{"age": 31}},
			},
			expected: map[string]interface{}{"user": map[string]interface{}{"name": "ada", "age": 31}},
		},
		{
			name:    "scalars keyed by source",
			sources: []string{"a", "b"},
			outputs: map[string]interface{}{
				"a": "hello",
				"b": map[string]interface{}{"x": 1},
			},
			expected: map[string]interface{}{"a": "hello", "x": 1},
		},
		{
			name:    "nil outputs are ignored",
			sources: []string{"a", "b"},
			outputs: map[string]interface{}{
				"a": nil,
				"b": map[string]interface{}{"x": 1},
			},
			expected: map[string]interface{}{"x": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := MergeOutputs(tt.sources, tt.outputs)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, merged)
		})
	}
}

func TestMergeOutputs_DoesNotMutateInputs(t *testing.T) {
	a := map[string]interface{}{"user": map[string]interface{}{"name": "ada"}}
	b := map[string]interface{}{"user": map[string]interface{}{"name": "grace"}}

	_, err := MergeOutputs([]string{"a", "b"}, map[string]interface{}{"a": a, "b": b})
	require.NoError(t, err)

	assert.Equal(t, "ada", a["user"].(map[string]interface{})["name"])
	assert.Equal(t, "grace", b["user"].(map[string]interface{})["name"])
}

func TestMergeOutputs_OrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-e]`), 2, 5, rapid.ID[string]).Draw(t, "ids")
		outputs := make(map[string]interface{}, len(ids))
		for _, id := range ids {
			outputs[id] = map[string]interface{}{
				"shared": id,
				id:       rapid.IntRange(0, 100).Draw(t, "value-"+id),
			}
		}

		shuffled := rapid.Permutation(ids).Draw(t, "shuffled")

		first, err := MergeOutputs(ids, outputs)
		if err != nil {
			t.Fatal(err)
		}
		second, err := MergeOutputs(shuffled, outputs)
		if err != nil {
			t.Fatal(err)
		}
		if !assert.ObjectsAreEqual(first, second) {
			t.Fatalf("merge depends on source order: %v vs %v", first, second)
		}
	})
}
