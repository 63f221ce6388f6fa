package dag

import (
	"sort"
)

// NamespaceKey holds per-producer copies in a merged payload so downstream
// tasks can disambiguate colliding keys.
const NamespaceKey = "__ns"

// MergePayloads shallow-merges the outputs of the named upstream tasks in
// ascending task-id order, later keys overwriting earlier. Each producer's
// intact map is also kept under __ns.<producer_id>.
func MergePayloads(upstream []string, outputs map[string]map[string]any) map[string]any {
	ids := make([]string, 0, len(upstream))
	for _, id := range upstream {
		if _, ok := outputs[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	merged := make(map[string]any)
	ns := make(map[string]any)
	for _, id := range ids {
		for k, v := range outputs[id] {
			merged[k] = v
		}
		ns[id] = outputs[id]
	}
	if len(ns) > 0 {
		merged[NamespaceKey] = ns
	}
	return merged
}
