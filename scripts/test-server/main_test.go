package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestProductsAPI(t *testing.T) {
	h := newStore().routes()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/actuator/health", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/products/1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/products", `{}`).Code)

	rec := do(t, h, http.MethodPost, "/products", `{"name": "Camiseta Casual"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := gjson.Get(rec.Body.String(), "id").String()
	assert.Equal(t, "1", id)
	assert.Equal(t, "/products/1", rec.Header().Get("Location"))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/products/1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/products/1/prices", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/products/9/prices", `{"value": 10, "currency": "EUR"}`).Code)

	rec = do(t, h, http.MethodPost, "/products/1/prices",
		`{"value": 42, "currency": "EUR", "initDate": "2025-01-01", "endDate": "2025-12-31"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 42.0, gjson.Get(rec.Body.String(), "value").Float())

	rec = do(t, h, http.MethodGet, "/products/1/prices?date=2025-06-15&currency=EUR", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "#").Int())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/products/1/prices?currency=USD", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/products/1/prices?date=2026-02-01", "").Code)
}
