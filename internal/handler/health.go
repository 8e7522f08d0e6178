package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Health is the liveness probe used by load balancers.  It returns a plain
// "ok" as long as the process serves requests.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Check pings one dependency.
type Check func(ctx context.Context) error

// Ready returns the readiness probe: 200 when every check passes, 503 with
// the failing checks otherwise.
func Ready(checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		status := make(map[string]string, len(checks))
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}
		if !healthy {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{
				"success":    false,
				"error_code": "UPSTREAM_UNAVAILABLE",
				"message":    "dependency check failed",
				"checks":     status,
			})
		}
		return ok(c, http.StatusOK, echo.Map{"checks": status})
	}
}
