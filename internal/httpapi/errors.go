package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"checkin/internal/attendance"
)

func statusFor(kind attendance.Kind) int {
	switch kind {
	case attendance.KindWindowNotOpen, attendance.KindAlreadySettled:
		return http.StatusConflict
	case attendance.KindTokenExpired:
		return http.StatusGone
	case attendance.KindInvalidCode:
		return http.StatusNotFound
	case attendance.KindDuplicate:
		return http.StatusTooManyRequests
	case attendance.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// handleError writes the error envelope. Transient failures carry
// retryable so clients can distinguish them from rejections.
func handleError(c *gin.Context, log *slog.Logger, err error) {
	kind := attendance.KindOf(err)
	body := gin.H{"error": kind, "message": attendance.MessageOf(err)}
	if !attendance.IsRejection(err) {
		body["retryable"] = true
		log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
	}
	c.AbortWithStatusJSON(statusFor(kind), body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": attendance.KindBadRequest, "message": msg})
}
