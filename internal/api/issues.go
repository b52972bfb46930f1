package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/api/middleware"
	"github.com/good-yellow-bee/blazeguard/internal/lifecycle"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// IgnoreRequest is the body of POST /issues/{id}/ignore. RuleType, when
// set, also creates an ignore rule from the issue.
type IgnoreRequest struct {
	Reason    string     `json:"reason"`
	RuleType  string     `json:"rule_type,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NotesRequest is the body of resolve and false-positive.
type NotesRequest struct {
	Notes string `json:"notes"`
}

// RuleFromIssueRequest is the body of POST /issues/{id}/rule.
type RuleFromIssueRequest struct {
	RuleType  string     `json:"rule_type"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &models.IssueFilter{
		IssuerName: q.Get("issuer"),
		IssueType:  q.Get("type"),
		Search:     strings.TrimSpace(q.Get("q")),
	}

	if v := q.Get("status"); v != "" {
		st, err := models.ParseIssueStatus(v)
		if err != nil {
			JSONError(w, NewBadRequest(err.Error()))
			return
		}
		filter.Status = st
	}
	if v := q.Get("severity"); v != "" {
		sev, err := models.ParseSeverity(v)
		if err != nil {
			JSONError(w, NewBadRequest(err.Error()))
			return
		}
		filter.Severity = sev
	}

	var apiErr *Error
	if filter.Viewed, apiErr = queryBool(q, "viewed"); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if filter.Ignored, apiErr = queryBool(q, "ignored"); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if filter.Since, apiErr = querySince(q, "since", time.Now().UTC()); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if filter.Page, apiErr = queryInt(q, "page", 1); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if filter.PerPage, apiErr = queryInt(q, "per_page", 50); apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	issues, total, err := s.deps.Lifecycle.GetIssues(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if issues == nil {
		issues = []*models.Issue{}
	}
	OK(w, PaginatedResponse{
		Items:      issues,
		Total:      total,
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		TotalPages: totalPages(total, filter.PerPage),
	})
}

func (s *Server) issueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Lifecycle.GetStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	OK(w, stats)
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	issue, err := s.deps.Lifecycle.GetIssue(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	OK(w, issue)
}

func (s *Server) viewIssue(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	issue, err := s.deps.Lifecycle.MarkViewed(r.Context(), id, middleware.GetSubject(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditIssueViewed, map[string]any{"issue_id": id})
	OK(w, issue)
}

func (s *Server) investigateIssue(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(id int64, user string) (*models.Issue, error) {
		return s.deps.Lifecycle.StartInvestigation(r.Context(), id, user)
	}, models.AuditIssueStatus, map[string]any{"status": string(models.StatusInvestigating)})
}

func (s *Server) unignoreIssue(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(id int64, user string) (*models.Issue, error) {
		return s.deps.Lifecycle.UnignoreIssue(r.Context(), id, user)
	}, models.AuditIssueUnignored, nil)
}

func (s *Server) resolveIssue(w http.ResponseWriter, r *http.Request) {
	var req NotesRequest
	if apiErr := decodeJSON(r, &req, true); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	s.transition(w, r, func(id int64, user string) (*models.Issue, error) {
		return s.deps.Lifecycle.ResolveIssue(r.Context(), id, user, req.Notes)
	}, models.AuditIssueResolved, map[string]any{"notes": req.Notes})
}

func (s *Server) falsePositiveIssue(w http.ResponseWriter, r *http.Request) {
	var req NotesRequest
	if apiErr := decodeJSON(r, &req, true); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	s.transition(w, r, func(id int64, user string) (*models.Issue, error) {
		return s.deps.Lifecycle.MarkFalsePositive(r.Context(), id, user, req.Notes)
	}, models.AuditIssueStatus, map[string]any{"status": string(models.StatusFalsePositive), "notes": req.Notes})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, apply func(id int64, user string) (*models.Issue, error), auditType string, data map[string]any) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	issue, err := apply(id, middleware.GetSubject(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["issue_id"] = id
	s.record(r, auditType, data)
	OK(w, issue)
}

func (s *Server) ignoreIssue(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	var req IgnoreRequest
	if apiErr := decodeJSON(r, &req, true); apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	var spec *lifecycle.RuleSpec
	if req.RuleType != "" {
		rt, err := models.ParseRuleType(req.RuleType)
		if err != nil {
			JSONError(w, NewValidationError(err.Error()))
			return
		}
		spec = &lifecycle.RuleSpec{Type: rt, ExpiresAt: req.ExpiresAt}
	}

	res, err := s.deps.Lifecycle.IgnoreIssue(r.Context(), id, middleware.GetSubject(r.Context()), req.Reason, spec)
	if err != nil && (res == nil || res.Issue == nil) {
		s.fail(w, r, err)
		return
	}
	data := map[string]any{"issue_id": id, "reason": req.Reason}
	if res.Rule != nil {
		data["rule_id"] = res.Rule.ID
	}
	s.record(r, models.AuditIssueIgnored, data)
	if err != nil {
		// The issue is ignored but the rule could not be created.
		s.fail(w, r, err)
		return
	}
	OK(w, res)
}

func (s *Server) ruleFromIssue(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	var req RuleFromIssueRequest
	if apiErr := decodeJSON(r, &req, false); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	rt, err := models.ParseRuleType(req.RuleType)
	if err != nil {
		JSONError(w, NewValidationError(err.Error()))
		return
	}

	rule, err := s.deps.Lifecycle.CreateIgnoreRuleFromIssue(r.Context(), id, rt, middleware.GetSubject(r.Context()), req.Reason, req.ExpiresAt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditRuleCreated, map[string]any{"rule_id": rule.ID, "issue_id": id, "rule_type": string(rt)})
	Created(w, rule)
}

func (s *Server) deleteIssue(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if err := s.deps.Lifecycle.DeleteIssue(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditIssueDeleted, map[string]any{"issue_id": id})
	NoContent(w)
}
