package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"quota/internal/auth"
	"quota/internal/models"
	"quota/internal/purchase"
	"quota/internal/storage"
	"quota/internal/version"
	"time"
)

// TokenService issues and verifies bearer tokens
type TokenService interface {
	auth.Verifier
	Login(email string) (string, error)
}

// Handlers contains HTTP handlers for the quota API
type Handlers struct {
	purchases purchase.ServiceInterface
	tokens    TokenService
	store     storage.BucketStore
	info      version.Info
	startedAt time.Time
}

// NewHandlers creates a new handlers instance. store is only used by the
// health check and may be nil.
func NewHandlers(purchases purchase.ServiceInterface, tokens TokenService, store storage.BucketStore, info version.Info) *Handlers {
	return &Handlers{
		purchases: purchases,
		tokens:    tokens,
		store:     store,
		info:      info,
		startedAt: time.Now(),
	}
}

// Buy handles purchase requests
// POST /api/buy
func (h *Handlers) Buy(w http.ResponseWriter, r *http.Request) {
	result, err := h.purchases.Buy(r.Context(), identityFromRequest(r), r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	for name, value := range result.Headers {
		w.Header().Set(name, value)
	}
	if result.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.Status)
	if _, err := w.Write(result.Body); err != nil {
		slog.Warn("Failed to write purchase response", "error", err)
	}
}

// Me reports the caller's purchase total
// GET /api/me
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	status, err := h.purchases.Status(r.Context(), identityFromRequest(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, status)
}

type loginRequest struct {
	Email string `json:"email"`
}

// Login issues a bearer token for an email
// POST /auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
			return
		}
	}

	token, err := h.tokens.Login(req.Email)
	if err != nil {
		if errors.Is(err, auth.ErrMissingEmail) {
			h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeMissingEmail, "missing_email")
			return
		}
		slog.Error("Failed to issue token", "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, models.LoginResponse{Token: token})
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = h.info.Semver()
	response.Uptime = time.Since(h.startedAt).Truncate(time.Second).String()

	statusCode := http.StatusOK
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.store.Ping(ctx); err != nil {
			slog.Warn("Bucket store health check failed", "error", err)
			response.Status = models.StatusUnhealthy
			response.AddComponent("store", models.StatusUnhealthy, err.Error())
			statusCode = http.StatusServiceUnavailable
		} else {
			response.AddComponent("store", models.StatusHealthy, "Store is reachable")
		}
	}
	response.AddComponent("api", models.StatusHealthy, "API is operational")

	h.writeJSONResponse(w, statusCode, response)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent; nothing left to report to the client.
		slog.Warn("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}

// writeServiceError maps purchase.ServiceError to its HTTP status; anything
// else is an internal error.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *purchase.ServiceError
	if errors.As(err, &svcErr) {
		if svcErr.StatusCode >= http.StatusInternalServerError {
			slog.Error("Request failed", "path", r.URL.Path, "code", svcErr.Code, "error", err)
			h.writeErrorResponse(w, svcErr.StatusCode, svcErr.Code, "Internal server error")
			return
		}
		h.writeErrorResponse(w, svcErr.StatusCode, svcErr.Code, svcErr.Message)
		return
	}

	slog.Error("Request failed", "path", r.URL.Path, "error", err)
	h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
}
