package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/api/auth"
	"github.com/good-yellow-bee/blazeguard/internal/api/middleware"
	"github.com/good-yellow-bee/blazeguard/internal/metrics"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// setupRouter creates and configures the chi router with all routes.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	if s.config.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.RequestLogger(s.logger, s.config.Verbose))
	r.Use(middleware.Metrics)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recoverer(s.logger))

	r.Get("/health", s.health.Live)
	r.Get("/health/live", s.health.Live)
	r.Get("/health/ready", s.health.Ready)

	authOpts := middleware.AuthOptions{
		Lockout:   s.lockout,
		OnFailure: s.onAuthFailure,
		OnSuccess: func(*http.Request, *auth.Claims) {
			metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
		},
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWTAuth(s.jwt, authOpts))
		r.Use(chimw.Timeout(s.config.RequestTimeout))
		r.Use(s.limitBody)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireHost)
			r.Use(middleware.RateLimitBySubject(s.limiter))
			r.Post("/events", s.postEvents)
		})

		r.Route("/issues", func(r chi.Router) {
			r.Use(middleware.RequireReader)
			r.Get("/", s.listIssues)
			r.Get("/stats", s.issueStats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getIssue)
				r.Post("/view", s.viewIssue)

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireAdmin)
					r.Post("/investigate", s.investigateIssue)
					r.Post("/ignore", s.ignoreIssue)
					r.Post("/unignore", s.unignoreIssue)
					r.Post("/resolve", s.resolveIssue)
					r.Post("/false-positive", s.falsePositiveIssue)
					r.Post("/rule", s.ruleFromIssue)
					r.Delete("/", s.deleteIssue)
				})
			})
		})

		r.Route("/rules", func(r chi.Router) {
			r.Use(middleware.RequireReader)
			r.Get("/", s.listRules)
			r.Get("/{id}", s.getRule)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Post("/", s.createRule)
				r.Post("/hash", s.createHashRule)
				r.Post("/import", s.importRules)
				r.Post("/{id}/deactivate", s.deactivateRule)
				r.Delete("/{id}", s.deleteRule)
			})
		})

		r.Route("/domains", func(r chi.Router) {
			r.Use(middleware.RequireReader)
			r.Get("/pending", s.listPendingDomains)
			r.Get("/whitelist", s.listWhitelist)
			r.Get("/rejected", s.listRejected)
			r.Get("/{domain}", s.domainState)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Post("/whitelist", s.addWhitelist)
				r.Delete("/whitelist/{domain}", s.removeWhitelist)
				r.Post("/{domain}/approve", s.approveDomain)
				r.Post("/{domain}/reject", s.rejectDomain)
				r.Post("/{domain}/allow-again", s.allowDomainAgain)
			})
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Use(middleware.RequireReader)
			r.Get("/", s.listNotifications)
			r.Get("/stats", s.notificationStats)
			r.With(middleware.RequireAdmin).Post("/{id}/requeue", s.requeueNotification)
		})

		r.With(middleware.RequireAdmin).Get("/audit", s.listAudit)
		r.With(middleware.RequireAdmin).Post("/scan", s.runScan)
	})

	return r
}

// onAuthFailure counts the failure and records it in the audit log, where
// the brute force issuer picks it up.
func (s *Server) onAuthFailure(r *http.Request, ip, reason string) {
	metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
	err := s.deps.Audit.Record(r.Context(), models.AuditLoginFailed, "", ip, map[string]any{
		"source": "api",
		"path":   r.URL.Path,
		"reason": reason,
	})
	if err != nil {
		s.logger.Warn("audit append failed", zap.Error(err))
	}
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
