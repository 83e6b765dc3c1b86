package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
)

func serveReadiness(logger zerolog.Logger, timeout time.Duration, checks map[string]Check) (*httptest.ResponseRecorder, map[string]interface{}) {
	e := echo.New()
	e.GET("/health/db", ReadinessHandler(logger, timeout, checks))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestReadiness_AllChecksPass(t *testing.T) {
	ok := func(context.Context) error { return nil }
	rec, body := serveReadiness(zerolog.Nop(), time.Second, map[string]Check{"postgres": ok, "schema": ok})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "ready" {
		t.Errorf("expected ready, got %v", body["status"])
	}
}

func TestReadiness_FailingCheckIsNamedNotExplained(t *testing.T) {
	var buf bytes.Buffer
	checks := map[string]Check{
		"postgres": func(context.Context) error { return errors.New("dial tcp 10.0.0.5:5432: refused") },
		"schema":   func(context.Context) error { return nil },
	}
	rec, body := serveReadiness(zerolog.New(&buf), time.Second, checks)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	states, _ := body["checks"].(map[string]interface{})
	if states["postgres"] != "failing" || states["schema"] != "ok" {
		t.Errorf("unexpected check states: %v", states)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Errorf("response leaks check error: %s", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "10.0.0.5") {
		t.Error("expected check error in log")
	}
}

func TestReadiness_SlowCheckHitsDeadline(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	start := time.Now()
	rec, _ := serveReadiness(zerolog.Nop(), 50*time.Millisecond, map[string]Check{"postgres": slow})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected the deadline to bound the check, took %v", elapsed)
	}
}

func TestSchemaCheck(t *testing.T) {
	tests := []struct {
		name    string
		applied []int
		wantErr string
	}{
		{name: "up to date", applied: []int{1, 2, 10}},
		{name: "behind", applied: []int{1}, wantErr: "2 migrations pending in schema public"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			if err != nil {
				t.Fatalf("pgxmock.NewPool() error: %v", err)
			}
			defer mock.Close()

			rows := mock.NewRows([]string{"version", "applied_at"})
			for _, v := range tt.applied {
				rows.AddRow(v, time.Now())
			}
			// Only the read: the check must not create schema_migrations.
			mock.ExpectQuery(regexp.QuoteMeta("SELECT version, applied_at FROM public.schema_migrations")).
				WillReturnRows(rows)

			m, _ := NewMigrator(mock, testFS(), "public")
			err = SchemaCheck(m)(context.Background())
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("unexpected error: %v", err)
			case tt.wantErr != "" && (err == nil || err.Error() != tt.wantErr):
				t.Errorf("expected %q, got %v", tt.wantErr, err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPingCheck(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool() error: %v", err)
	}
	defer mock.Close()
	mock.ExpectPing().WillReturnError(errors.New("down"))

	if err := PingCheck(mock)(context.Background()); err == nil {
		t.Error("expected ping error")
	}
}
