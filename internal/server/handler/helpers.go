package handler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/quantfold/arbengine/internal/domain"
)

// List endpoints default to one page of 50 and refuse to return more than 500
// rows per call.
const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// writeJSON encodes v into a buffer before touching the response, so an
// encoding failure can still produce a clean 500 instead of a torn body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// writeError sends a JSON error body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts reads limit/offset from the query string, ignoring values
// that do not parse.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	return domain.ListOpts{
		Limit:  clampQueryInt(q.Get("limit"), defaultPageSize, 1, maxPageSize),
		Offset: clampQueryInt(q.Get("offset"), 0, 0, int(^uint(0)>>1)),
	}
}

func clampQueryInt(raw string, fallback, min, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}

// pathParam reads a named segment from the route pattern.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// logHandler tags a logger with the handler name.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
