package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, s *Server) string {
	t.Helper()
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestServerExposesDomainMetrics(t *testing.T) {
	s := NewServer(":0", nil)
	if s.Addr() != ":0" {
		t.Errorf("Addr = %q", s.Addr())
	}

	FindingsTotal.WithLabelValues("php_log", "suppressed").Inc()
	NotificationQueue.WithLabelValues("pending").Set(2)
	SetBuildInfo("1.2.3", "abc123", "2026-01-01")

	body := scrape(t, s)
	for _, want := range []string{
		`blazeguard_pipeline_findings_total{issuer="php_log",outcome="suppressed"}`,
		`blazeguard_notifications_queue_rows{status="pending"} 2`,
		`blazeguard_build_info{build_time="2026-01-01",commit="abc123",version="1.2.3"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestServerIndex(t *testing.T) {
	s := NewServer(":0", nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if !strings.Contains(rec.Body.String(), `href="/metrics"`) {
		t.Error("index should link to /metrics")
	}
}
