// Package models - API response types and error handling.
// This file defines all outgoing API response structures.
//
// Response Design Principles:
// - Purchase bodies use the camelCase wire format clients already depend on
// - Purchase bodies are serialized once and replayed byte-for-byte
// - Errors share one structure with machine-readable codes
package models

import (
	"time"
)

// PurchaseGrantedResponse is the 200 body of POST /api/buy.
type PurchaseGrantedResponse struct {
	OK           bool   `json:"ok"`
	Message      string `json:"message"`
	TotalGranted int64  `json:"totalGranted"`
}

// PurchaseDeniedResponse is the 429 body of POST /api/buy.
type PurchaseDeniedResponse struct {
	OK                bool   `json:"ok"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds"`
}

// StatusResponse is the body of GET /api/me.
type StatusResponse struct {
	TotalGranted int64 `json:"totalGranted"`
}

// LoginResponse is the body of POST /auth/login.
type LoginResponse struct {
	Token string `json:"token"`
}

// PurchaseResult is what the purchase service hands to the transport layer:
// a status, the already-encoded body and the headers to emit.
type PurchaseResult struct {
	Status   int
	Body     []byte
	Headers  map[string]string
	Replayed bool
}

// ErrorResponse provides structured error information.
type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Major system issues
	StatusDegraded  = "degraded"  // Partial functionality
)

// Standard HTTP Error Codes
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400: Invalid request format
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 400: Invalid request data
	ErrorCodeMissingClientID    = "MISSING_CLIENT_ID"   // 400: No usable client identity
	ErrorCodeMissingEmail       = "MISSING_EMAIL"       // 400: Login without email
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED" // 429: Ingress throttle
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Service temporarily down
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}
