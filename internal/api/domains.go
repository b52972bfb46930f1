package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/blazeguard/internal/api/middleware"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// DomainRequest is the body of POST /domains/whitelist.
type DomainRequest struct {
	Domain string `json:"domain"`
	Reason string `json:"reason,omitempty"`
}

// ReasonRequest is the optional body of approve and reject.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) listPendingDomains(w http.ResponseWriter, r *http.Request) {
	status := models.DomainPending
	switch v := r.URL.Query().Get("status"); v {
	case "":
	case string(models.DomainPending), string(models.DomainApproved), string(models.DomainRejected):
		status = models.DomainStatus(v)
	default:
		JSONError(w, NewBadRequest("invalid status"))
		return
	}
	rows, err := s.deps.Domains.ListPending(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []*models.PendingDomain{}
	}
	OK(w, ListResponse{Items: rows, Total: int64(len(rows))})
}

func (s *Server) listWhitelist(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Domains.ListWhitelist(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []*models.WhitelistDomain{}
	}
	OK(w, ListResponse{Items: rows, Total: int64(len(rows))})
}

func (s *Server) listRejected(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Domains.ListRejected(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []*models.RejectedDomain{}
	}
	OK(w, ListResponse{Items: rows, Total: int64(len(rows))})
}

func (s *Server) domainState(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Domains.DomainState(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	OK(w, st)
}

func (s *Server) addWhitelist(w http.ResponseWriter, r *http.Request) {
	var req DomainRequest
	if apiErr := decodeJSON(r, &req, false); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	row, err := s.deps.Domains.AddToWhitelist(r.Context(), req.Domain, req.Reason, middleware.GetSubject(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditDomainApproved, map[string]any{"domain": row.Domain, "reason": req.Reason})
	Created(w, row)
}

func (s *Server) removeWhitelist(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	if err := s.deps.Domains.RemoveFromWhitelist(r.Context(), domain); err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditDomainRemoved, map[string]any{"domain": domain})
	NoContent(w)
}

func (s *Server) approveDomain(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if apiErr := decodeJSON(r, &req, true); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	domain := chi.URLParam(r, "domain")
	row, err := s.deps.Domains.ApprovePendingDomain(r.Context(), domain, req.Reason, middleware.GetSubject(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditDomainApproved, map[string]any{"domain": row.Domain, "reason": req.Reason})
	OK(w, row)
}

func (s *Server) rejectDomain(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if apiErr := decodeJSON(r, &req, true); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	domain := chi.URLParam(r, "domain")
	row, err := s.deps.Domains.RejectPendingDomain(r.Context(), domain, req.Reason, middleware.GetSubject(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditDomainRejected, map[string]any{"domain": row.Domain, "reason": req.Reason})
	OK(w, row)
}

func (s *Server) allowDomainAgain(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	if err := s.deps.Domains.RemoveFromRejected(r.Context(), domain); err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditDomainAllowed, map[string]any{"domain": domain})
	NoContent(w)
}
