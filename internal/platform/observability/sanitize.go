package observability

import "unicode"

const maxFieldRunes = 256

// Log field values that originate from the request (routes, methods, user
// ids) pass through here so control characters cannot forge log lines and
// oversized values cannot bloat entries.
func clampField(value string, limit int) string {
	if limit <= 0 {
		limit = maxFieldRunes
	}

	kept := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		kept = append(kept, r)
		if len(kept) == limit {
			break
		}
	}
	return string(kept)
}

// SanitizeRoute bounds a route pattern for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clampField(route, 180)
}

// SanitizeMethod bounds an HTTP method for logging.
func SanitizeMethod(method string) string {
	return clampField(method, 10)
}

// SanitizeUserID bounds a user identifier before it reaches log output.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return clampField(uid, 64)
}
