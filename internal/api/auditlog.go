package api

import (
	"net/http"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &models.AuditFilter{
		EventType: q.Get("event_type"),
		UserID:    q.Get("user"),
		IPAddress: q.Get("ip"),
	}

	var apiErr *Error
	if filter.Since, apiErr = querySince(q, "since", time.Now().UTC()); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if filter.Limit, apiErr = queryInt(q, "limit", 100); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if filter.Offset, apiErr = queryInt(q, "offset", 0); apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	entries, total, err := s.deps.Audit.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditLog{}
	}
	OK(w, ListResponse{Items: entries, Total: total})
}
