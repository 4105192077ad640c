package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// apiError is the HTTP rendition of a service error.
type apiError struct {
	status     int
	code       response.ErrCode
	retryAfter string
}

// classify maps a service error onto a status and error code. Unknown errors
// are internal.
func classify(err error) apiError {
	var rl *service.RateLimitError
	if errors.As(err, &rl) {
		return apiError{status: http.StatusTooManyRequests, code: response.ErrRateLimitExceeded, retryAfter: rl.Decision.RetryAfterSeconds()}
	}

	switch {
	case errors.Is(err, service.ErrValidation):
		return apiError{status: http.StatusBadRequest, code: response.ErrValidation}
	case errors.Is(err, service.ErrNotFound):
		return apiError{status: http.StatusNotFound, code: response.ErrNotFound}
	case errors.Is(err, service.ErrAccessDenied):
		return apiError{status: http.StatusForbidden, code: response.ErrForbidden}
	case errors.Is(err, service.ErrVerificationRequired):
		return apiError{status: http.StatusForbidden, code: response.ErrVerificationRequired}
	case errors.Is(err, service.ErrVerificationExpired):
		return apiError{status: http.StatusForbidden, code: response.ErrVerificationExpired}
	case errors.Is(err, service.ErrAlreadyCompleted):
		return apiError{status: http.StatusConflict, code: response.ErrExamAlreadyCompleted}
	case errors.Is(err, service.ErrInvalidTransition):
		return apiError{status: http.StatusConflict, code: response.ErrInvalidTransition}
	case errors.Is(err, service.ErrSessionTerminated):
		return apiError{status: http.StatusConflict, code: response.ErrSessionTerminated}
	case errors.Is(err, service.ErrSessionExpired):
		return apiError{status: http.StatusGone, code: response.ErrSessionExpired}
	case errors.Is(err, service.ErrDependencyUnavailable):
		return apiError{status: http.StatusServiceUnavailable, code: response.ErrServiceUnavailable}
	}
	return apiError{status: http.StatusInternalServerError, code: response.ErrInternal}
}

// fail writes err as an error envelope. Validation errors carry their
// message as a field detail; server errors are logged, never echoed.
func fail(c *gin.Context, log zerolog.Logger, err error) {
	e := classify(err)
	switch {
	case e.retryAfter != "":
		response.RateLimited(c, e.retryAfter)
	case e.code == response.ErrValidation:
		response.FailWithFields(c, e.status, e.code, map[string]string{"detail": err.Error()})
	default:
		if e.status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		}
		response.Fail(c, e.status, e.code)
	}
}

// paramUUID parses a UUID path parameter, writing a 400 when it is malformed.
func paramUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
