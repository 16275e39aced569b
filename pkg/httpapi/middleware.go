package httpapi

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sandboxd/pkg/log"
	"sandboxd/pkg/types"
)

// ErrorResponse is the standardized error body every non-2xx reply uses.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// RequestID assigns each request a stable ID, honoring one supplied by the
// caller.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Recovery converts panics into a 500 with the standard body, logging the
// stack; the process never dies for a single bad request.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.L().Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.ByteString("stack", debug.Stack()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "internal server error",
			Code:      string(types.KindInternal),
			Timestamp: time.Now().UTC(),
			RequestID: c.GetString("request_id"),
		})
	})
}

// AccessLog emits one structured line per request.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		log.L().Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")))
	}
}

// httpStatusFor projects the error taxonomy onto transport codes. Kinds
// that are an execution's terminal status never reach this function on the
// execute path; they only land here from non-execution endpoints.
func httpStatusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindUnauthorized:
		return http.StatusUnauthorized
	case types.KindForbidden:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindBusy, types.KindQueueFull:
		return http.StatusServiceUnavailable
	case types.KindRuntimeError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeBadRequest reports a malformed request body; a transport concern,
// not part of the execution taxonomy.
func writeBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "invalid request body: " + err.Error(),
		Code:      "BadRequest",
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString("request_id"),
	})
}

func writeError(c *gin.Context, err error) {
	kind := types.KindOf(err)
	c.JSON(httpStatusFor(kind), ErrorResponse{
		Error:     err.Error(),
		Code:      string(kind),
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString("request_id"),
	})
}
