package wa

import "strings"

// EnsurePrefix completes a normalized (digits-only) phone with the country
// prefix when it isn't already present. Numbers are stored without the
// prefix; it is a transport concern.
func EnsurePrefix(phone, prefix string) string {
	if prefix == "" || strings.HasPrefix(phone, prefix) {
		return phone
	}
	return prefix + phone
}
