package common

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// ErrMissingTable is returned when a request names no table.
var ErrMissingTable = errors.New("table is required")

// TableParam returns the table named by the {table} route parameter or,
// when the route has none, by the table query parameter.
// Validation rules:
// - Must not be empty after trimming whitespace
// - Must not contain any whitespace characters
func TableParam(r *http.Request) (string, error) {
	value := r.URL.Query().Get("table")
	if encoded := chi.URLParam(r, "table"); encoded != "" {
		decoded, err := url.PathUnescape(encoded)
		if err != nil {
			return "", fmt.Errorf("invalid URL encoding in table")
		}
		value = decoded
	}

	value = strings.TrimSpace(value)
	if value == "" {
		return "", ErrMissingTable
	}
	if strings.ContainsAny(value, " \t\n\r") {
		return "", fmt.Errorf("table cannot contain whitespace")
	}
	return value, nil
}

// ParseSince reads an instant given as RFC 3339 or unix milliseconds.
// Missing or unparseable values yield nil, which means a full sync.
func ParseSince(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// ParseLimit reads a page size. Anything that is not a number is zero,
// which the engines replace with their default.
func ParseLimit(raw string) int {
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return limit
}

// ParseBool accepts true, 1, yes and on in any letter case.
func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
