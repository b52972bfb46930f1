package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/api/middleware"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/suppression"
)

// RuleRequest is the body of POST /rules.
type RuleRequest struct {
	RuleType   string     `json:"rule_type"`
	RuleValue  string     `json:"rule_value"`
	IssuerName string     `json:"issuer_name,omitempty"`
	IssueType  string     `json:"issue_type,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// HashRuleRequest is the body of POST /rules/hash.
type HashRuleRequest struct {
	Hash       string `json:"hash"`
	IssuerName string `json:"issuer_name"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			JSONError(w, NewBadRequest("invalid active"))
			return
		}
		activeOnly = b
	}
	rules, err := s.deps.Rules.ListRules(r.Context(), activeOnly)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rules == nil {
		rules = []*models.IgnoreRule{}
	}
	OK(w, ListResponse{Items: rules, Total: int64(len(rules))})
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	rule, err := s.deps.Rules.GetRule(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	OK(w, rule)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if apiErr := decodeJSON(r, &req, false); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	rt, err := models.ParseRuleType(req.RuleType)
	if err != nil {
		JSONError(w, NewValidationError(err.Error()))
		return
	}

	rule, err := s.deps.Rules.CreateRule(r.Context(), &models.IgnoreRule{
		RuleType:   rt,
		RuleValue:  strings.TrimSpace(req.RuleValue),
		IssuerName: req.IssuerName,
		IssueType:  req.IssueType,
		Reason:     req.Reason,
		ExpiresAt:  req.ExpiresAt,
		CreatedBy:  middleware.GetSubject(r.Context()),
	})
	if errors.Is(err, suppression.ErrDuplicateRule) {
		JSONError(w, NewConflict(err.Error()))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditRuleCreated, map[string]any{"rule_id": rule.ID, "rule_type": string(rule.RuleType)})
	Created(w, rule)
}

func (s *Server) createHashRule(w http.ResponseWriter, r *http.Request) {
	var req HashRuleRequest
	if apiErr := decodeJSON(r, &req, false); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if strings.TrimSpace(req.Hash) == "" || strings.TrimSpace(req.IssuerName) == "" {
		JSONError(w, NewValidationError("hash and issuer_name are required"))
		return
	}
	rule, err := s.deps.Rules.AddIgnoredHash(r.Context(), strings.TrimSpace(req.Hash), req.IssuerName, req.Reason, middleware.GetSubject(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditRuleCreated, map[string]any{"rule_id": rule.ID, "rule_type": string(models.RuleTypeHash)})
	OK(w, rule)
}

// importRules accepts the YAML rules file format.
func (s *Server) importRules(w http.ResponseWriter, r *http.Request) {
	rules, err := suppression.LoadRules(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			JSONError(w, NewTooLarge("rules file too large"))
			return
		}
		JSONError(w, NewValidationError(err.Error()))
		return
	}
	res, err := s.deps.Rules.Import(r.Context(), rules, middleware.GetSubject(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditRuleCreated, map[string]any{"imported": res.Created, "skipped": res.Skipped})
	OK(w, res)
}

func (s *Server) deactivateRule(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if err := s.deps.Rules.DeactivateRule(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditRuleDeactivated, map[string]any{"rule_id": id})
	NoContent(w)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if err := s.deps.Rules.DeleteRule(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditRuleDeleted, map[string]any{"rule_id": id})
	NoContent(w)
}
