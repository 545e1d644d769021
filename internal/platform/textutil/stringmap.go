package textutil

import "strings"

// NormalizeStringMap trims every key and value and drops entries whose key
// becomes empty. Gateway metadata and message attributes pass through here
// before leaving the process. Returns nil when nothing survives.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}

	out := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
