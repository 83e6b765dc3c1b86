package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var httpPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "patientflow",
	Subsystem: "http",
	Name:      "panics_total",
	Help:      "Handler panics turned into 500 responses, by route.",
}, []string{"route"})

// Recovery converts a handler panic into a 500 carrying only the status text.
// The panic value and stack are logged and kept as the error's internal cause.
// http.ErrAbortHandler is re-raised so net/http still aborts the response.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				cause, ok := r.(error)
				if !ok {
					cause = fmt.Errorf("%v", r)
				}
				if errors.Is(cause, http.ErrAbortHandler) {
					panic(r)
				}

				route := c.Path()
				if route == "" {
					route = "unmatched"
				}
				httpPanicsTotal.WithLabelValues(route).Inc()

				logger.Error().
					Err(cause).
					Str("request_id", requestID(c)).
					Str("method", c.Request().Method).
					Str("route", route).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError).SetInternal(cause)
			}()
			return next(c)
		}
	}
}
