package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

func pathID(r *http.Request) (int64, *Error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, NewBadRequest("invalid id")
	}
	return id, nil
}

func queryInt(q url.Values, key string, def int) (int, *Error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, NewBadRequest("invalid " + key)
	}
	return n, nil
}

func queryBool(q url.Values, key string) (*bool, *Error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, NewBadRequest("invalid " + key)
	}
	return &b, nil
}

// querySince accepts an RFC 3339 timestamp or a duration like "24h"
// meaning that long ago.
func querySince(q url.Values, key string, now time.Time) (time.Time, *Error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, NewBadRequest("invalid " + key + ": want RFC 3339 time or duration")
	}
	return t, nil
}

func totalPages(total int64, perPage int) int {
	if perPage <= 0 {
		return 0
	}
	return int((total + int64(perPage) - 1) / int64(perPage))
}
