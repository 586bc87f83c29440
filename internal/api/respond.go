package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gruberdev/whatsapp-message-scheduler/internal/session"
)

// fail writes the error envelope shared by every endpoint.
func fail(c *gin.Context, code int, msg string, details string) {
	body := gin.H{"error": msg}
	if details != "" {
		body["details"] = details
	}
	c.AbortWithStatusJSON(code, body)
}

// failErr maps a core error onto its HTTP status and writes the envelope.
func failErr(c *gin.Context, msg string, err error) {
	fail(c, httpStatus(err), msg, err.Error())
}

// httpStatus buckets core errors into transport statuses. Unclassified
// errors are server faults.
func httpStatus(err error) int {
	switch session.Classify(err) {
	case session.KindNotReady:
		return http.StatusConflict
	case session.KindRateLimited:
		return http.StatusTooManyRequests
	case session.KindTimeout:
		return http.StatusGatewayTimeout
	case session.KindDisconnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
