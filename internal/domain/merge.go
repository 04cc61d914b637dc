package domain

import (
	"dario.cat/mergo"
)

// MergeVariables overlays incoming bindings onto the current variable map,
// incoming values winning on conflict. Neither argument is mutated.
func MergeVariables(current, incoming map[string]interface{}) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(current)+len(incoming))
	for k, v := range current {
		merged[k] = v
	}

	if len(incoming) == 0 {
		return merged, nil
	}

	if err := mergo.Merge(&merged, incoming,
		mergo.WithOverride,
		mergo.WithAppendSlice); err != nil {
		return nil, err
	}

	return merged, nil
}

// MergeOutputs folds the outputs of several upstream nodes into one input
// document, later outputs winning on key conflict.
func MergeOutputs(outputs ...map[string]interface{}) (map[string]interface{}, error) {
	merged := make(map[string]interface{})
	for _, out := range outputs {
		if len(out) == 0 {
			continue
		}
		if err := mergo.Merge(&merged, out, mergo.WithOverride); err != nil {
			return nil, err
		}
	}
	return merged, nil
}
