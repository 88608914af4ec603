package pathutil

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeBaseURL trims whitespace and trailing slashes from a backend base
// URL so endpoint paths can be appended without producing double slashes.
func NormalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	for len(raw) > 0 && strings.HasSuffix(raw, "/") {
		raw = strings.TrimSuffix(raw, "/")
	}
	return raw
}

// ValidateBaseURL rejects base URLs that are missing a scheme or host.
func ValidateBaseURL(raw string) error {
	normalized := NormalizeBaseURL(raw)
	if normalized == "" {
		return fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("base url must include scheme and host (got %q)", raw)
	}
	return nil
}

// JoinPath appends a leading-slash endpoint path to a normalized base URL.
func JoinPath(baseURL, endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return NormalizeBaseURL(baseURL) + endpoint
}
