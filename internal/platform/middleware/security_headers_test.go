package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		strict   bool
		wantHSTS bool
	}{
		{"production", true, true},
		{"development", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/emergencies", nil), rec)

			if err := SecurityHeaders(tt.strict)(okHandler)(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			for header, want := range map[string]string{
				"X-Content-Type-Options": "nosniff",
				"X-Frame-Options":        "DENY",
				"Referrer-Policy":        "no-referrer",
				"Cache-Control":          "no-store",
			} {
				if got := rec.Header().Get(header); got != want {
					t.Errorf("%s: expected %q, got %q", header, want, got)
				}
			}
			if got := rec.Header().Get("Strict-Transport-Security") != ""; got != tt.wantHSTS {
				t.Errorf("expected HSTS %v, got %v", tt.wantHSTS, got)
			}
		})
	}
}

func TestSecurityHeaders_PresentOnErrors(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders(true))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected headers on error responses")
	}
}
