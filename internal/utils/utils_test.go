package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: virtual tag VT_X", ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: VT_X", ErrAlreadyExists), http.StatusConflict, "already_exists"},
		{fmt.Errorf("%w: VT_B depends on VT_A", ErrConflict), http.StatusConflict, "conflict"},
		{fmt.Errorf("%w: formula is required", ErrValidation), http.StatusBadRequest, "validation_error"},
		{ErrBadRequest, http.StatusBadRequest, "bad_request"},
		{ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{fmt.Errorf("query: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{ErrServiceUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, response := processError(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, response.Error)
		})
	}

	_, response := processError(fmt.Errorf("secret dsn in message"))
	assert.NotContains(t, response.Message, "dsn")
}

func TestPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		query string
		page  int
		limit int
	}{
		{"", 1, DefaultLimit},
		{"page=3&limit=20", 3, 20},
		{"page=-1&limit=abc", 1, DefaultLimit},
		{"limit=100000", 1, MaxLimit},
	}
	for _, tt := range tests {
		ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
		ctx.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)

		req := GetPaginationFromContext(ctx)
		assert.Equal(t, tt.page, req.Page, tt.query)
		assert.Equal(t, tt.limit, req.Limit, tt.query)
	}

	page := NewPagination(PaginationRequest{Page: 2, Limit: 20}, 41)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 20, PaginationRequest{Page: 2, Limit: 20}.Offset())
}

func TestHandleValidationErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	type request struct {
		CalculationType string `json:"calculation_type" binding:"required,oneof=expression statistical conditional"`
		UpdateInterval  int    `json:"update_interval" binding:"min=1"`
	}

	router := gin.New()
	router.POST("/", func(ctx *gin.Context) {
		var req request
		if err := ctx.ShouldBindJSON(&req); err != nil {
			HandleValidationErrors(ctx, err)
			return
		}
		ctx.Status(http.StatusOK)
	})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/",
		jsonBody(t, map[string]interface{}{"calculation_type": "median", "update_interval": 0})))
	require.Equal(t, http.StatusBadRequest, resp.Code)

	var body ValidationErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body.Error)
	require.Len(t, body.Errors, 2)
	assert.Equal(t, "calculation_type", body.Errors[0].Field)
	assert.Equal(t, "Must be one of: expression statistical conditional", body.Errors[0].Message)
	assert.Equal(t, "update_interval", body.Errors[1].Field)

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/", jsonBody(t, "not an object")))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "bad_request")
}

func TestJSONSchemaValidator(t *testing.T) {
	v := NewJSONSchemaValidator()
	require.NoError(t, v.LoadSchema("conditional", `{
		"type": "object",
		"required": ["input_tag"],
		"properties": {"input_tag": {"type": "string", "minLength": 1}}
	}`))

	assert.NoError(t, v.ValidateJSON("conditional", []byte(`{"input_tag":"D100"}`)))

	err := v.ValidateJSON("conditional", []byte(`{"input_tag":""}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "input_tag")

	assert.Error(t, v.ValidateJSON("missing", []byte(`{}`)))
	assert.Error(t, v.LoadSchema("broken", `{"type":`))
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}
