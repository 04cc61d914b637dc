package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeVariablesIncomingWins(t *testing.T) {
	current := map[string]interface{}{"a": 1, "b": "keep"}
	incoming := map[string]interface{}{"a": 2, "c": true}

	merged, err := MergeVariables(current, incoming)
	require.NoError(t, err)

	assert.Equal(t, 2, merged["a"])
	assert.Equal(t, "keep", merged["b"])
	assert.Equal(t, true, merged["c"])

	// Inputs stay untouched.
	assert.Equal(t, 1, current["a"])
}

func TestMergeVariablesAppendsSlices(t *testing.T) {
	current := map[string]interface{}{"tags": []interface{}{"x"}}
	incoming := map[string]interface{}{"tags": []interface{}{"y"}}

	merged, err := MergeVariables(current, incoming)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"x", "y"}, merged["tags"])
}

func TestMergeOutputsLaterWins(t *testing.T) {
	merged, err := MergeOutputs(
		map[string]interface{}{"n": 1, "only_first": true},
		nil,
		map[string]interface{}{"n": 2},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, merged["n"])
	assert.Equal(t, true, merged["only_first"])
}

func TestMergeOutputsEmpty(t *testing.T) {
	merged, err := MergeOutputs()
	require.NoError(t, err)
	assert.Empty(t, merged)
}
