package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitByCaller_KeysBySubject(t *testing.T) {
	handler := RateLimitByCaller(RateLimitConfig{RequestsPerMinute: 2})(okHandler())

	request := func(subject string) int {
		req := httptest.NewRequest("POST", "/v1/auth/attempts", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		claims := &models.TokenClaims{Role: models.RoleService, RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, request("svc-a"))
	assert.Equal(t, http.StatusOK, request("svc-a"))
	assert.Equal(t, http.StatusTooManyRequests, request("svc-a"))
	// Another caller behind the same address has its own budget
	assert.Equal(t, http.StatusOK, request("svc-b"))
}

func TestRateLimitByCaller_FallsBackToAddress(t *testing.T) {
	handler := RateLimitByCaller(RateLimitConfig{RequestsPerMinute: 1})(okHandler())

	request := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, request("203.0.113.1:1").Code)
	limited := request("203.0.113.1:2")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, request("203.0.113.2:1").Code)
}

func TestCORS(t *testing.T) {
	handler := CORS(DefaultCORSConfig([]string{"https://console.example.com"}))(okHandler())

	req := httptest.NewRequest("GET", "/v1/security/dashboard", nil)
	req.Header.Set("Origin", "https://console.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest("GET", "/v1/security/dashboard", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/v1/security/dashboard", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
