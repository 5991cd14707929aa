package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"quoteflow/internal/automation"
	"quoteflow/internal/model"
	"quoteflow/internal/router"
	"quoteflow/internal/sequence"
)

var errUnavailable = errors.New("service not configured")

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, sequence.ErrUnknownSequence),
		errors.Is(err, automation.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, router.ErrUnknownEvent):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrTerminal),
		errors.Is(err, sequence.ErrSequenceDisabled):
		return http.StatusConflict
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
