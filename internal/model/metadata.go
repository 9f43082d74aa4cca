package model

// MergeMetadata returns the shallow union of base and patch. Keys in patch
// win; nested maps are replaced, not merged. Neither input is modified.
func MergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
