package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler(t *testing.T, wantUser, wantRole string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := GetUserID(r.Context()); got != wantUser {
			t.Errorf("user id = %q, want %q", got, wantUser)
		}
		if got := GetRole(r.Context()); got != wantRole {
			t.Errorf("role = %q, want %q", got, wantRole)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestIdentityRequiresUser(t *testing.T) {
	h := Identity(okHandler(t, "", ""))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestIdentityPropagatesHeaders(t *testing.T) {
	h := Identity(okHandler(t, "user-1", RoleProvider))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("X-User-Role", RoleProvider)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	h := Identity(RequireRole(RolePayerAdmin)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("X-User-Role", RoleProvider)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("provider hitting an adjudication route: status = %d, want 403", rec.Code)
	}

	req.Header.Set("X-User-Role", RolePayerAdmin)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("payer admin: status = %d, want 200", rec.Code)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var captured string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if captured == "" {
		t.Fatal("no request id generated")
	}
	if rec.Header().Get("X-Request-ID") != captured {
		t.Error("request id not echoed in the response header")
	}
}
