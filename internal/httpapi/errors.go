package httpapi

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/horizon/dm-app/internal/dm"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// statusFor maps a service error kind onto an HTTP status.
func statusFor(kind dm.ErrorKind) int {
	switch kind {
	case dm.KindValidation:
		return http.StatusBadRequest
	case dm.KindNotFound:
		return http.StatusNotFound
	case dm.KindTransient:
		return http.StatusServiceUnavailable
	case dm.KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// respondError writes err as a JSON error. Internal details are logged,
// never returned.
func respondError(c *gin.Context, err error) {
	var e *dm.Error
	if !errors.As(err, &e) {
		log.Printf("[http] %s %s: %v", c.Request.Method, c.FullPath(), err)
		abortWithError(c, http.StatusInternalServerError, string(dm.ErrorInternal), "internal error")
		return
	}

	status := statusFor(e.Kind())
	if status >= http.StatusInternalServerError {
		log.Printf("[http] %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	abortWithError(c, status, string(e.Code), e.Reason)
}
