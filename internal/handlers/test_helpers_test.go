package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAdminContext adds admin claims to the request context
func WithAdminContext(req *http.Request, subject string) *http.Request {
	claims := &models.TokenClaims{Role: models.RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

// WithURLParams attaches chi route parameters to the request
func WithURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	if target != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), target), "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockSecurityCore implements SecurityCoreInterface for testing
type MockSecurityCore struct {
	PrecheckFunc      func(ctx context.Context, address, identity string) (models.PrecheckResult, error)
	RecordAttemptFunc func(ctx context.Context, in models.AttemptInput) (*services.AttemptResult, error)
	ResetAttemptsFunc func(ctx context.Context, identity string) error
}

func (m *MockSecurityCore) Precheck(ctx context.Context, address, identity string) (models.PrecheckResult, error) {
	if m.PrecheckFunc != nil {
		return m.PrecheckFunc(ctx, address, identity)
	}
	return models.PrecheckResult{Decision: models.DecisionAllow}, nil
}

func (m *MockSecurityCore) RecordAttempt(ctx context.Context, in models.AttemptInput) (*services.AttemptResult, error) {
	if m.RecordAttemptFunc != nil {
		return m.RecordAttemptFunc(ctx, in)
	}
	return &services.AttemptResult{Record: &models.AttemptRecord{}}, nil
}

func (m *MockSecurityCore) ResetAttempts(ctx context.Context, identity string) error {
	if m.ResetAttemptsFunc != nil {
		return m.ResetAttemptsFunc(ctx, identity)
	}
	return nil
}

// MockLoginDetector implements LoginDetector for testing
type MockLoginDetector struct {
	DetectMultipleFailedLoginsFunc func(ctx context.Context, account string, window time.Duration, threshold int) (models.MultipleFailedLoginsResult, error)
	DetectNewLocationLoginFunc     func(ctx context.Context, account, address, country string) (models.NewLocationResult, error)
}

func (m *MockLoginDetector) DetectMultipleFailedLogins(ctx context.Context, account string, window time.Duration, threshold int) (models.MultipleFailedLoginsResult, error) {
	if m.DetectMultipleFailedLoginsFunc != nil {
		return m.DetectMultipleFailedLoginsFunc(ctx, account, window, threshold)
	}
	return models.MultipleFailedLoginsResult{}, nil
}

func (m *MockLoginDetector) DetectNewLocationLogin(ctx context.Context, account, address, country string) (models.NewLocationResult, error) {
	if m.DetectNewLocationLoginFunc != nil {
		return m.DetectNewLocationLoginFunc(ctx, account, address, country)
	}
	return models.NewLocationResult{}, nil
}
