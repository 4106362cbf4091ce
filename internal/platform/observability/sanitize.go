package observability

import "unicode"

// cleanField drops control characters and truncates to limit runes.
func cleanField(value string, limit int) string {
	out := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return string(out)
}

// SanitizeRoute bounds route strings written to logs.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return cleanField(route, 180)
}

// SanitizeSubject bounds token subjects written to logs.
func SanitizeSubject(subject string) string {
	return cleanField(subject, 64)
}
