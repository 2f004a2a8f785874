package pagination

import (
	"github.com/gin-gonic/gin"
)

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a normalized page request. Malformed values fall back to defaults.
type Params struct {
	Page   int `form:"page"`
	Limit  int `form:"limit"`
	Offset int `form:"-"`
}

// Parse reads page and limit from the query string.
func Parse(c *gin.Context) Params {
	var p Params
	_ = c.ShouldBindQuery(&p)
	return Normalize(p.Page, p.Limit)
}

// Normalize clamps page and limit and derives the offset.
func Normalize(page, limit int) Params {
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return Params{Page: page, Limit: limit, Offset: (page - 1) * limit}
}

// TotalPages is the number of pages needed for total rows.
func TotalPages(total int64, limit int) int {
	if limit < 1 || total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}
