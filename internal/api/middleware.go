package api

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bay/internal/apierr"
	"bay/internal/idempotency"
)

func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", latency.String(),
			"ip", c.ClientIP(),
		}
		if query != "" {
			attrs = append(attrs, "query", query)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		if status >= 500 {
			slog.Error("Request", attrs...)
		} else if status >= 400 {
			slog.Warn("Request", attrs...)
		} else {
			slog.Info("Request", attrs...)
		}
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func generateRequestID() string {
	return uuid.New().String()
}

// OwnerMiddleware resolves the caller's owner scope from header and stashes
// it in the gin context for handlers to read via ownerFromContext. The
// header is trusted as-is whatever the dev-mode setting; no token is
// verified here.
func OwnerMiddleware(headerName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader(headerName)
		if owner == "" {
			respondErr(c, apierr.Unauthorized("missing "+headerName+" header"))
			c.Abort()
			return
		}
		c.Set("owner", owner)
		c.Next()
	}
}

func ownerFromContext(c *gin.Context) string {
	owner, _ := c.Get("owner")
	s, _ := owner.(string)
	return s
}

// bodyCaptureWriter tees everything written through gin's ResponseWriter
// into a buffer so IdempotencyMiddleware can snapshot the response after
// the handler runs, without buffering on requests that don't carry a key.
type bodyCaptureWriter struct {
	gin.ResponseWriter
	buf *bytes.Buffer
}

func (w *bodyCaptureWriter) Write(data []byte) (int, error) {
	w.buf.Write(data)
	return w.ResponseWriter.Write(data)
}

// IdempotencyMiddleware implements the Idempotency-Key header discipline:
// a request replaying a previously completed key/fingerprint pair gets the
// cached response instead of re-running the handler; a mismatched
// fingerprint for the same key is rejected; a key already in flight is
// rejected as a conflict rather than double-executed.
func IdempotencyMiddleware(svc *idempotency.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			c.Next()
			return
		}

		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			respondErr(c, apierr.Validation("reading request body"))
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		var bodyForFingerprint any
		if len(raw) > 0 {
			bodyForFingerprint = string(raw)
		}
		fingerprint, err := idempotency.Fingerprint(bodyForFingerprint)
		if err != nil {
			respondErr(c, apierr.Internal("computing idempotency fingerprint", err))
			c.Abort()
			return
		}

		owner := ownerFromContext(c)
		scope := c.Request.Method + " " + c.FullPath()

		cachedBody, cachedStatus, done, err := svc.Begin(owner, key, scope, fingerprint)
		if err != nil {
			switch {
			case errors.Is(err, idempotency.ErrFingerprintMismatch):
				respondErr(c, apierr.Conflict("idempotency key reused with a different request body"))
			case errors.Is(err, idempotency.ErrInProgress):
				respondErr(c, apierr.Conflict("a request with this idempotency key is already in progress"))
			default:
				respondErr(c, apierr.Internal("idempotency lookup failed", err))
			}
			c.Abort()
			return
		}
		if done {
			c.Data(cachedStatus, "application/json", []byte(cachedBody))
			c.Abort()
			return
		}

		capture := &bodyCaptureWriter{ResponseWriter: c.Writer, buf: &bytes.Buffer{}}
		c.Writer = capture
		c.Next()

		status := capture.Status()
		if status >= http.StatusInternalServerError {
			_ = svc.Abort(owner, key, scope)
			return
		}
		if err := svc.Complete(owner, key, scope, capture.buf.String(), status); err != nil {
			slog.Warn("idempotency: failed to persist completed record", "key", key, "error", err)
		}
	}
}
