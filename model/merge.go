package model

// MergeData folds a step's persistence/outcome delta into an instance's
// Data payload: present keys in delta replace the corresponding key in
// prev, last write wins, absent keys in delta are left untouched.
func MergeData(prev, delta map[string]any) map[string]any {
	if prev == nil && delta == nil {
		return nil
	}
	merged := make(map[string]any, len(prev)+len(delta))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}
	return merged
}
