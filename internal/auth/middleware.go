package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// MetricsRecorder is an optional interface for recording auth outcomes.
type MetricsRecorder interface {
	IncAuthSuccess(authType string)
	IncAuthFailure(authType string)
}

// ServiceAuthMiddleware returns middleware that authenticates data-plane
// requests against the shared service key from config. The key is carried as
// a bearer token and compared in constant time.
func ServiceAuthMiddleware(serviceKey string, m MetricsRecorder) func(http.Handler) http.Handler {
	return keyMiddleware("service", serviceKey, m)
}

// AdminAuthMiddleware returns middleware that authenticates control-surface
// requests against the admin key from config.
func AdminAuthMiddleware(adminKey string, m MetricsRecorder) func(http.Handler) http.Handler {
	return keyMiddleware("admin", adminKey, m)
}

func keyMiddleware(authType, key string, m MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				if m != nil {
					m.IncAuthFailure(authType)
				}
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
				if m != nil {
					m.IncAuthFailure(authType)
				}
				writeUnauthorized(w, "invalid "+authType+" key")
				return
			}

			if m != nil {
				m.IncAuthSuccess(authType)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}
