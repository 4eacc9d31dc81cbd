package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"bay/internal/apierr"
)

// respondErr translates err through the public error taxonomy. Anything
// that isn't an *apierr.Error is never exposed raw — it becomes a generic
// internal_error.
func respondErr(c *gin.Context, err error) {
	e, ok := apierr.As(err)
	if !ok {
		e = apierr.Internal("internal error", err)
	}
	body := gin.H{
		"error": e.Message,
		"code":  e.Code,
	}
	if e.RetryAfterMs > 0 {
		body["retry_after_ms"] = e.RetryAfterMs
		c.Writer.Header().Set("Retry-After", formatRetryAfterSeconds(e.RetryAfterMs))
	}
	c.JSON(e.HTTPStatus(), body)
}

func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": err.Error(),
		"code":  apierr.CodeValidation,
	})
}

func formatRetryAfterSeconds(ms int64) string {
	secs := ms / 1000
	if secs <= 0 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
