package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareReadsHeaders(t *testing.T) {
	var org, rep, sess string
	h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		org = OrganizationIDFromContext(r.Context())
		rep = RepIDFromContext(r.Context())
		sess = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/session/turn?rep_id=rep-q", nil)
	req.Header.Set(OrganizationHeaderName, " org-1 ")
	req.Header.Set(SessionHeaderName, "bad id with spaces")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if org != "org-1" {
		t.Errorf("org = %q, want org-1", org)
	}
	if rep != "rep-q" {
		t.Errorf("rep = %q, want query fallback rep-q", rep)
	}
	if sess != "" {
		t.Errorf("session = %q, want invalid id dropped", sess)
	}
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if got := IPFromRequest(req); got != "10.0.0.7" {
		t.Fatalf("IPFromRequest = %q", got)
	}
}
