package api

import (
	"context"
	"net/http"
	"quota/internal/auth"
	"quota/internal/models"
)

type contextKey string

const subjectKey contextKey = "subject"

// identityMiddleware attaches the subject of a valid bearer token to the
// request context. Missing or invalid tokens are ignored; the request then
// falls back to the client id it carries.
func identityMiddleware(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			subject, ok := verifier.Verify(token)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext returns the verified token subject, if any
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey).(string)
	return subject
}

// identityFromRequest collects every identity candidate; the purchase
// service decides which one wins.
func identityFromRequest(r *http.Request) models.ClientIdentity {
	return models.ClientIdentity{
		Subject:  SubjectFromContext(r.Context()),
		ClientID: r.Header.Get("X-Client-Id"),
		Fallback: r.URL.Query().Get("clientId"),
	}
}
