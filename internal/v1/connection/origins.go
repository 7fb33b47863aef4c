package connection

import (
	"fmt"
	"net/http"
	"net/url"
)

// validateOrigin enforces an exact scheme+host match against the allowed
// list (spec.md §4.1 step 1 honors proxy/origin configuration explicitly;
// an empty or unparsable Origin header is rejected rather than treated as
// a trusted non-browser client, since the relay only ever expects browser
// callers).
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return fmt.Errorf("origin header missing or null")
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin url: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}
