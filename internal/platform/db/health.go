package db

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Check reports whether one dependency of the service is usable.
type Check func(ctx context.Context) error

// Pinger is the part of *pgxpool.Pool the connectivity check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

func PingCheck(p Pinger) Check {
	return p.Ping
}

// SchemaCheck fails while the binary carries migrations the schema has not
// recorded, so a process started against an old schema stays out of rotation.
func SchemaCheck(m *Migrator) Check {
	return func(ctx context.Context) error {
		n, err := m.Pending(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%d migrations pending in schema %s", n, m.schema)
		}
		return nil
	}
}

// ReadinessHandler runs every check concurrently under one deadline. Any
// failing check turns the answer into a 503. The response only names the
// failing checks; causes go to the log.
func ReadinessHandler(logger zerolog.Logger, timeout time.Duration, checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		var (
			mu      sync.Mutex
			results = make(map[string]string, len(checks))
			g       errgroup.Group
		)
		for name, check := range checks {
			name, check := name, check
			g.Go(func() error {
				state := "ok"
				if err := check(ctx); err != nil {
					state = "failing"
					logger.Warn().Err(err).Str("check", name).Msg("readiness check failed")
				}
				mu.Lock()
				results[name] = state
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		status, code := "ready", http.StatusOK
		for _, state := range results {
			if state != "ok" {
				status, code = "unavailable", http.StatusServiceUnavailable
				break
			}
		}
		return c.JSON(code, map[string]interface{}{
			"status": status,
			"checks": results,
		})
	}
}
