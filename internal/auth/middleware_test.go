package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw gin.HandlerFunc, path string) *gin.Engine {
	r := gin.New()
	r.POST(path, mw, func(c *gin.Context) {
		user, _ := AdminFromContext(c)
		c.JSON(http.StatusOK, gin.H{"user": user})
	})
	return r
}

func TestWebhookMiddleware(t *testing.T) {
	token := "123:abc"
	r := newRouter(WebhookMiddleware(func() string { return token }, "s3cret"), "/webhook/:token")

	cases := []struct {
		name   string
		path   string
		secret string
		want   int
	}{
		{"valid", "/webhook/123:abc", "s3cret", http.StatusOK},
		{"wrong token", "/webhook/999:zzz", "s3cret", http.StatusNotFound},
		{"missing secret", "/webhook/123:abc", "", http.StatusUnauthorized},
		{"wrong secret", "/webhook/123:abc", "nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, tc.path, nil)
		if tc.secret != "" {
			req.Header.Set(SecretHeader, tc.secret)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.name, w.Code, tc.want)
		}
	}

	token = ""
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/", nil))
	if w.Code == http.StatusOK {
		t.Fatalf("empty token must never match")
	}
}

func TestWebhookMiddlewareWithoutSecret(t *testing.T) {
	r := newRouter(WebhookMiddleware(func() string { return "t" }, ""), "/webhook/:token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/t", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}

func TestAdminMiddleware(t *testing.T) {
	r := newRouter(AdminMiddleware("admin", "pw"), "/admin/reload")

	req := httptest.NewRequest(http.MethodPost, "/admin/reload", nil)
	req.SetBasicAuth("admin", "pw")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != `{"user":"admin"}` {
		t.Fatalf("valid credentials rejected: %d %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/reload", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized || w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected challenge, got %d", w.Code)
	}

	disabled := newRouter(AdminMiddleware("admin", ""), "/admin/reload")
	req = httptest.NewRequest(http.MethodPost, "/admin/reload", nil)
	req.SetBasicAuth("admin", "")
	w = httptest.NewRecorder()
	disabled.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("admin without password should be disabled, got %d", w.Code)
	}
}
