// Package identity carries the caller's organization, rep and session ids
// through request contexts. Authentication happens upstream; the headers are
// trusted as given.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	OrganizationHeaderName = "X-Organization-ID"
	RepHeaderName          = "X-Rep-ID"
	SessionHeaderName      = "X-Session-ID"
)

type contextKey int

const (
	organizationIDKey contextKey = iota
	repIDKey
	sessionIDKey
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// OrganizationIDFromContext extracts the organization id.
func OrganizationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(organizationIDKey).(string); ok {
		return v
	}
	return ""
}

// RepIDFromContext extracts the rep id.
func RepIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(repIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the text session id.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithIdentity returns ctx carrying the given ids.
func WithIdentity(ctx context.Context, orgID, repID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, organizationIDKey, orgID)
	ctx = context.WithValue(ctx, repIDKey, repID)
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// sanitizeID drops values outside the id alphabet.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if !idPattern.MatchString(id) {
		return ""
	}
	return id
}

func fromRequest(r *http.Request, header, query string) string {
	v := r.Header.Get(header)
	if v == "" {
		v = r.URL.Query().Get(query)
	}
	return sanitizeID(v)
}

// Middleware injects organization, rep and session ids from headers, with
// query parameters as a fallback.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithIdentity(r.Context(),
			fromRequest(r, OrganizationHeaderName, "organization_id"),
			fromRequest(r, RepHeaderName, "rep_id"),
			fromRequest(r, SessionHeaderName, "session_id"),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
