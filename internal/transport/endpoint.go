package transport

import (
	"net/url"
	"strings"

	"collabtext/journalsync/internal/syncerr"
)

// ValidateEndpoint checks that raw is an absolute ws:// or wss:// URL.
func ValidateEndpoint(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return syncerr.Newf(syncerr.KindConfig, "endpoint", "empty endpoint URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return syncerr.Newf(syncerr.KindConfig, "endpoint", "malformed endpoint URL %q: %v", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return syncerr.Newf(syncerr.KindConfig, "endpoint", "endpoint %q must use ws:// or wss://, got scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return syncerr.Newf(syncerr.KindConfig, "endpoint", "endpoint %q has no host", raw)
	}
	return nil
}

// roomURL joins an endpoint and a document ID into the dial target.
func roomURL(endpoint, documentID string) string {
	return strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(documentID)
}
