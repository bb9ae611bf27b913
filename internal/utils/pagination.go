package utils

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// DefaultLimit is the default number of items per page
const DefaultLimit = 50

// MaxLimit is the maximum number of items per page
const MaxLimit = 500

// PaginationRequest holds pagination parameters
type PaginationRequest struct {
	Page  int
	Limit int
}

// Offset returns the row offset for the requested page
func (p PaginationRequest) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Pagination holds pagination metadata
type Pagination struct {
	CurrentPage int   `json:"current_page"`
	TotalPages  int   `json:"total_pages"`
	TotalItems  int64 `json:"total_items"`
	PerPage     int   `json:"per_page"`
}

// GetPaginationFromContext extracts pagination parameters from the gin context
func GetPaginationFromContext(ctx *gin.Context) PaginationRequest {
	page, err := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}

	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", strconv.Itoa(DefaultLimit)))
	if err != nil || limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	return PaginationRequest{Page: page, Limit: limit}
}

// NewPagination builds pagination metadata for a result page
func NewPagination(req PaginationRequest, totalItems int64) Pagination {
	totalPages := 0
	if req.Limit > 0 {
		totalPages = int(totalItems / int64(req.Limit))
		if totalItems%int64(req.Limit) > 0 {
			totalPages++
		}
	}

	return Pagination{
		CurrentPage: req.Page,
		TotalPages:  totalPages,
		TotalItems:  totalItems,
		PerPage:     req.Limit,
	}
}
