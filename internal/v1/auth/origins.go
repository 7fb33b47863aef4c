package auth

import (
	"os"
	"strings"
)

// GetAllowedOriginsFromEnv reads a comma-separated list of origins from the
// named environment variable, falling back to defaults when unset or empty.
func GetAllowedOriginsFromEnv(envVar string, defaults []string) []string {
	raw := os.Getenv(envVar)
	if raw == "" {
		return defaults
	}

	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		return defaults
	}
	return origins
}
