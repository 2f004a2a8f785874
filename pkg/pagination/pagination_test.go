package pagination

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestParse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query string
		want  Params
	}{
		{"", Params{Page: 1, Limit: 20, Offset: 0}},
		{"?page=3&limit=10", Params{Page: 3, Limit: 10, Offset: 20}},
		{"?page=0&limit=500", Params{Page: 1, Limit: 100, Offset: 0}},
		{"?page=abc&limit=-4", Params{Page: 1, Limit: 20, Offset: 0}},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/api/clients"+tc.query, nil)
		if got := Parse(c); got != tc.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", tc.query, got, tc.want)
		}
	}
}

func TestTotalPages(t *testing.T) {
	cases := []struct {
		total int64
		limit int
		want  int
	}{
		{0, 20, 0},
		{1, 20, 1},
		{40, 20, 2},
		{41, 20, 3},
	}
	for _, tc := range cases {
		if got := TotalPages(tc.total, tc.limit); got != tc.want {
			t.Fatalf("TotalPages(%d, %d) = %d, want %d", tc.total, tc.limit, got, tc.want)
		}
	}
}
