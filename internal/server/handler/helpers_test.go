package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantfold/arbengine/internal/domain"
)

func TestParseListOpts(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  domain.ListOpts
	}{
		{"defaults", "", domain.ListOpts{Limit: defaultPageSize}},
		{"explicit", "limit=20&offset=40", domain.ListOpts{Limit: 20, Offset: 40}},
		{"limit capped", "limit=9999", domain.ListOpts{Limit: maxPageSize}},
		{"garbage ignored", "limit=abc&offset=-5", domain.ListOpts{Limit: defaultPageSize}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/opportunities?"+tc.query, nil)
			assert.Equal(t, tc.want, parseListOpts(r))
		})
	}
}

func TestWriteErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusNotFound, "no such plan")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"no such plan"}`, rec.Body.String())
}
