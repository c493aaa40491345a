package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ErrorHandler renders errors as {"error": "..."}. Anything that is not an
// echo.HTTPError is logged and answered with an opaque 500. Server-side
// HTTPErrors keep their status but their message is replaced by the status
// text.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := http.StatusText(code)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Internal != nil && code >= http.StatusInternalServerError {
				logger.Error().Err(he.Internal).Str("request_id", requestID(c)).Msg("internal error")
			}
			switch m := he.Message.(type) {
			case string:
				msg = m
			case error:
				msg = m.Error()
			case nil:
				msg = http.StatusText(code)
			default:
				msg = fmt.Sprintf("%v", m)
			}
			if code >= http.StatusInternalServerError {
				logger.Error().
					Str("request_id", requestID(c)).
					Int("status", code).
					Str("message", msg).
					Msg("server error")
				msg = http.StatusText(code)
			}
		} else {
			logger.Error().Err(err).
				Str("request_id", requestID(c)).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, ErrorResponse{Error: msg})
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to write error response")
		}
	}
}

func requestID(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}
