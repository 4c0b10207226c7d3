package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serveWith(mw gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(mw)
	router.GET("/claims", func(c *gin.Context) {
		c.String(200, "ok")
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serveWith(HeadersMiddleware(), httptest.NewRequest("GET", "/claims", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "1; mode=block",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for header, expected := range want {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
	if w.Header().Get("Content-Security-Policy") == "" {
		t.Error("Content-Security-Policy header not set")
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	req := httptest.NewRequest("GET", "/claims", nil)
	req.Header.Set("Origin", "https://portal.example.com")
	w := serveWith(CORSMiddleware([]string{"https://portal.example.com"}), req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected CORS header for allowed origin")
	}
}

func TestCORSWildcard(t *testing.T) {
	req := httptest.NewRequest("GET", "/claims", nil)
	req.Header.Set("Origin", "https://anything.example")
	w := serveWith(CORSMiddleware([]string{"*"}), req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("wildcard should allow any origin")
	}
}

func TestCORSDisallowedOrigin(t *testing.T) {
	req := httptest.NewRequest("GET", "/claims", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := serveWith(CORSMiddleware([]string{"https://portal.example.com"}), req)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unexpected CORS header for disallowed origin")
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest("OPTIONS", "/claims", nil)
	req.Header.Set("Origin", "https://portal.example.com")
	w := serveWith(CORSMiddleware([]string{"*"}), req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Access-Control-Allow-Methods not set")
	}
}
