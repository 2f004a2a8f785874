package response

import (
	"net/http"

	"crm/internal/apperr"
	"crm/pkg/pagination"

	"github.com/gin-gonic/gin"
)

// Response represents a standard API response format
type Response struct {
	Status     string      `json:"status"`      // "success" or "error"
	StatusCode int         `json:"status_code"` // HTTP status code
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Field      string      `json:"field,omitempty"` // offending input field on validation errors
}

// Page wraps one page of a list endpoint.
type Page struct {
	Items interface{} `json:"items"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
	Pages int         `json:"pages"`
}

// Success returns a standard success response wrapping the data
func Success(statusCode int, data interface{}) Response {
	return Response{
		Status:     "success",
		StatusCode: statusCode,
		Data:       data,
	}
}

// SuccessWithPagination wraps a list page in a success response
func SuccessWithPagination(items interface{}, total int64, page, limit int) Response {
	return Success(http.StatusOK, Page{Items: items, Total: total, Page: page, Limit: limit, Pages: pagination.TotalPages(total, limit)})
}

// Error returns a standard error response wrapping the error message
func Error(statusCode int, err string) Response {
	return Response{
		Status:     "error",
		StatusCode: statusCode,
		Error:      err,
	}
}

// Fail writes err using the status its kind maps to. Internal errors are not echoed to the client.
func Fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal server error"
	}
	res := Error(status, msg)
	res.Field = apperr.FieldOf(err)
	c.JSON(status, res)
}

// BadRequest reports a payload that failed binding.
func BadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
}
