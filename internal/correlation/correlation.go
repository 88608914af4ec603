package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
)

// HeaderName is the identifier header stamped on outbound backend requests
// so a fetch can be matched against client logs when debugging.
const HeaderName = "X-Fuseview-Request-ID"

const maxIDLen = 128

type contextKey struct{}

var correlationContextKey contextKey

// NewID returns a random 16-byte hex identifier.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

// WithContext stores a normalized correlation identifier in context.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalizeID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey, normalized)
}

// FromContext returns the correlation identifier stored in ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(correlationContextKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// EnsureOutbound stamps req with the context's correlation identifier,
// minting a fresh one when the context has none. It returns the identifier
// used so callers can log it alongside the request.
func EnsureOutbound(req *http.Request) string {
	if req == nil {
		return ""
	}
	id, ok := FromContext(req.Context())
	if !ok {
		id = NewID()
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return id
}

func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return id
}
