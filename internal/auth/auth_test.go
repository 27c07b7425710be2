package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type mockMetrics struct {
	successes map[string]int
	failures  map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{successes: map[string]int{}, failures: map[string]int{}}
}

func (m *mockMetrics) IncAuthSuccess(authType string) { m.successes[authType]++ }
func (m *mockMetrics) IncAuthFailure(authType string) { m.failures[authType]++ }

// --- ServiceAuthMiddleware tests ---

func TestServiceAuthMiddleware(t *testing.T) {
	serviceKey := "svc-key-1234567890abcdef"

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantError  bool
	}{
		{
			name:       "valid key",
			authHeader: "Bearer " + serviceKey,
			wantStatus: http.StatusOK,
			wantError:  false,
		},
		{
			name:       "invalid key",
			authHeader: "Bearer svc-key-wrong00000000000",
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "missing header",
			authHeader: "",
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "malformed header no bearer",
			authHeader: "Token " + serviceKey,
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "bearer only no token",
			authHeader: "Bearer",
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "lowercase bearer scheme",
			authHeader: "bearer " + serviceKey,
			wantStatus: http.StatusOK,
			wantError:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			handler := ServiceAuthMiddleware(serviceKey, nil)(okHandler)
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}

			if tt.wantError {
				assertJSONError(t, rr)
			}
		})
	}
}

// --- AdminAuthMiddleware tests ---

func TestAdminAuthMiddleware(t *testing.T) {
	adminKey := "super-secret-admin-key"

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantError  bool
	}{
		{
			name:       "valid admin key",
			authHeader: "Bearer " + adminKey,
			wantStatus: http.StatusOK,
			wantError:  false,
		},
		{
			name:       "wrong admin key",
			authHeader: "Bearer wrong-key",
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "service key is not the admin key",
			authHeader: "Bearer super-secret-admin-ke",
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "missing header",
			authHeader: "",
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "malformed header",
			authHeader: "Basic " + adminKey,
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			handler := AdminAuthMiddleware(adminKey, nil)(okHandler)
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}

			if tt.wantError {
				assertJSONError(t, rr)
			}
		})
	}
}

func TestAuthMiddlewareRecordsMetrics(t *testing.T) {
	key := "svc-key"
	m := newMockMetrics()

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := ServiceAuthMiddleware(key, m)(okHandler)

	good := httptest.NewRequest(http.MethodPost, "/", nil)
	good.Header.Set("Authorization", "Bearer "+key)
	handler.ServeHTTP(httptest.NewRecorder(), good)

	bad := httptest.NewRequest(http.MethodPost, "/", nil)
	bad.Header.Set("Authorization", "Bearer nope")
	handler.ServeHTTP(httptest.NewRecorder(), bad)

	missing := httptest.NewRequest(http.MethodPost, "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), missing)

	if m.successes["service"] != 1 {
		t.Errorf("expected 1 service auth success, got %d", m.successes["service"])
	}
	if m.failures["service"] != 2 {
		t.Errorf("expected 2 service auth failures, got %d", m.failures["service"])
	}
}

// assertJSONError checks that the response body contains the expected error JSON structure.
func assertJSONError(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()

	ct := rr.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var resp errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if resp.Error.Code != "unauthorized" {
		t.Errorf("expected error code 'unauthorized', got %q", resp.Error.Code)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error message")
	}
}
