package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=5&offset=10", 5, 10},
		{"?limit=0", DefaultLimit, 0},
		{"?limit=-3&offset=-1", DefaultLimit, 0},
		{"?limit=1000", MaxLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
	}

	e := echo.New()
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
		c := e.NewContext(req, httptest.NewRecorder())

		p := FromContext(c)
		if p.Limit != tt.limit || p.Offset != tt.offset {
			t.Errorf("query %q: expected limit=%d offset=%d, got limit=%d offset=%d",
				tt.query, tt.limit, tt.offset, p.Limit, p.Offset)
		}
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	r := NewResponse([]int{1, 2}, 5, 2, 0)
	if !r.HasMore {
		t.Error("expected HasMore when offset+limit < total")
	}

	r = NewResponse([]int{5}, 5, 2, 4)
	if r.HasMore {
		t.Error("expected no more results on the last page")
	}
}
