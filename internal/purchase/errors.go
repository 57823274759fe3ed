package purchase

import (
	"fmt"
	"net/http"
	"quota/internal/models"
)

// ServiceError represents errors from the purchase service with HTTP context
type ServiceError struct {
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Error constructors for common service errors

func NewMissingClientIDError() *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeMissingClientID,
		Message:    "missing_client_id",
		StatusCode: http.StatusBadRequest,
	}
}

func NewInternalError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeInternalError,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}
