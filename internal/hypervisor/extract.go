package hypervisor

import "strings"

// MaxExtractDepth bounds recursion when digging a task id out of loosely
// typed responses.
const MaxExtractDepth = 4

// taskIDKeys are the object keys tried, in order, when hunting for a UPID.
var taskIDKeys = []string{"data", "upid", "task", "taskid"}

// ExtractTaskID pulls a UPID out of a decoded response value. Hypervisor
// endpoints variously return the id as a bare string, under "data", nested
// one level deeper, or as the first element of an array. Returns false when
// nothing matches within the depth bound; it never panics on unexpected
// shapes.
func ExtractTaskID(v any, depth int) (string, bool) {
	if depth < 0 {
		return "", false
	}

	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "UPID:") {
			return t, true
		}
	case map[string]any:
		for _, key := range taskIDKeys {
			if inner, ok := t[key]; ok {
				if id, ok := ExtractTaskID(inner, depth-1); ok {
					return id, true
				}
			}
		}
	case []any:
		for _, item := range t {
			if id, ok := ExtractTaskID(item, depth-1); ok {
				return id, true
			}
		}
	}
	return "", false
}
