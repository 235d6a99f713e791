// Package middleware provides the broker's HTTP middleware chain: subject
// authentication and CORS.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/diagramforge/broker/internal/job"
)

// subjectContextKey is a strict type for context keys to prevent collisions.
type subjectContextKey string

// SubjectKey is the context key holding the authenticated job.Subject.
const SubjectKey subjectContextKey = "subject"

// AuthMiddleware enforces bearer-credential authentication and injects the
// resulting Subject into the request context. Fails fast on missing or
// malformed headers.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "invalid Authorization format, expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		subject, err := validateCredential(parts[1])
		if err != nil {
			http.Error(w, fmt.Sprintf("unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext retrieves the authenticated Subject from the context.
func SubjectFromContext(ctx context.Context) (job.Subject, error) {
	val := ctx.Value(SubjectKey)
	if val == nil {
		return job.Subject{}, fmt.Errorf("subject not found in context")
	}
	subject, ok := val.(job.Subject)
	if !ok {
		return job.Subject{}, fmt.Errorf("subject in context is not a job.Subject")
	}
	return subject, nil
}
