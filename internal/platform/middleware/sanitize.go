package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const maxHeaderValueSize = 8192

// Sanitize rejects requests whose path, query or headers carry traversal
// sequences, null bytes or line breaks. Rejections are answered with 400
// and logged at warn.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if reason := inspectRequest(c.Request()); reason != "" {
				logger.Warn().
					Str("request_id", requestID(c)).
					Str("path", c.Request().URL.Path).
					Str("remote_ip", c.RealIP()).
					Str("reason", reason).
					Msg("request rejected")
				return c.JSON(http.StatusBadRequest, ErrorResponse{Error: reason})
			}
			return next(c)
		}
	}
}

func inspectRequest(req *http.Request) string {
	path := req.URL.Path
	rawPath := req.URL.RawPath
	if rawPath == "" {
		rawPath = path
	}
	if containsPathTraversal(path) || containsPathTraversal(rawPath) {
		return "path traversal detected"
	}
	if containsNullByte(path) || containsNullByte(rawPath) {
		return "null byte in path"
	}

	for name, values := range req.Header {
		for _, v := range values {
			if len(v) > maxHeaderValueSize {
				return "header too large: " + name
			}
			if strings.ContainsAny(v, "\r\n") {
				return "line break in header: " + name
			}
		}
	}

	for key, values := range req.URL.Query() {
		if containsNullByte(key) {
			return "null byte in query"
		}
		for _, v := range values {
			if containsNullByte(v) {
				return "null byte in query"
			}
		}
	}
	return ""
}

func containsPathTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(s, "..") ||
		strings.Contains(lower, "%2e%2e") ||
		strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}
