package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrorKey is where a handler leaves an error it rendered itself, so the
// access log line shows it.
const ErrorKey = "handler_error"

// RequestLogger writes one access log line per request.  Server errors log
// at error level and client errors at warn.
func RequestLogger(log *zap.Logger) echo.MiddlewareFunc {
	log = log.Named("http")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// let the error handler write the response so the status is final
				c.Error(err)
			}

			status := c.Response().Status
			level := zapcore.InfoLevel
			switch {
			case status >= 500:
				level = zapcore.ErrorLevel
			case status >= 400:
				level = zapcore.WarnLevel
			}
			if ce := log.Check(level, "request"); ce != nil {
				fields := []zap.Field{
					zap.String("method", c.Request().Method),
					zap.String("route", c.Path()),
					zap.String("uri", c.Request().RequestURI),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.String("ip", c.RealIP()),
					zap.String("user_id", UserID(c)),
				}
				if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
					fields = append(fields, zap.String("request_id", id))
				}
				if err == nil {
					err, _ = c.Get(ErrorKey).(error)
				}
				if err != nil {
					fields = append(fields, zap.Error(err))
				}
				ce.Write(fields...)
			}
			return nil
		}
	}
}
