package suppression

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazeguard/internal/fingerprint"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/storage"
)

var testNow = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	e := NewEngine(store.IgnoreRules(), nil)
	e.SetClock(func() time.Time { return testNow })
	return e, store
}

func mustCreate(t *testing.T, e *Engine, rule *models.IgnoreRule) *models.IgnoreRule {
	t.Helper()
	created, err := e.CreateRule(context.Background(), rule)
	if err != nil {
		t.Fatalf("CreateRule(%s %q) error = %v", rule.RuleType, rule.RuleValue, err)
	}
	return created
}

func testFinding() *models.RawFinding {
	f := models.NewFinding("uploads", "malicious_upload", models.SeverityHigh, "Suspicious upload shell.php")
	f.FilePath = "/var/www/wp-content/plugins/x/evil.php"
	f.IPAddress = "203.0.113.9"
	f.Description = "PHP open tag found in image upload"
	f.RawData = "GET /wp-admin/admin-ajax.php?action=upload"
	f.ContentHash = strings.Repeat("ab", 32)
	f.LineCodeHash = strings.Repeat("cd", 32)
	return f
}

func TestMatch_RuleTypes(t *testing.T) {
	f := testFinding()
	tests := []struct {
		name  string
		rule  models.IgnoreRule
		match bool
	}{
		{"issuer", models.IgnoreRule{RuleType: models.RuleTypeIssuer, RuleValue: "uploads"}, true},
		{"issuer other", models.IgnoreRule{RuleType: models.RuleTypeIssuer, RuleValue: "php_log"}, false},
		{"content hash", models.IgnoreRule{RuleType: models.RuleTypeHash, RuleValue: strings.ToUpper(f.ContentHash)}, true},
		{"line hash", models.IgnoreRule{RuleType: models.RuleTypeHash, RuleValue: f.LineCodeHash}, true},
		{"issue hash", models.IgnoreRule{RuleType: models.RuleTypeHash, RuleValue: fingerprint.IssueHash(f)}, true},
		{"other hash", models.IgnoreRule{RuleType: models.RuleTypeHash, RuleValue: strings.Repeat("ef", 32)}, false},
		{"file exact", models.IgnoreRule{RuleType: models.RuleTypeFile, RuleValue: "/var/www/wp-content/plugins/x/evil.php"}, true},
		{"file dir", models.IgnoreRule{RuleType: models.RuleTypeFile, RuleValue: "/var/www/wp-content/plugins/"}, true},
		{"file sibling", models.IgnoreRule{RuleType: models.RuleTypeFile, RuleValue: "/var/www/wp-content/plugins/x/good.php"}, false},
		{"file no slash is not a prefix", models.IgnoreRule{RuleType: models.RuleTypeFile, RuleValue: "/var/www/wp-content/plugins/x"}, false},
		{"ip exact", models.IgnoreRule{RuleType: models.RuleTypeIP, RuleValue: "203.0.113.9"}, true},
		{"ip cidr", models.IgnoreRule{RuleType: models.RuleTypeIP, RuleValue: "203.0.113.0/24"}, true},
		{"ip other cidr", models.IgnoreRule{RuleType: models.RuleTypeIP, RuleValue: "198.51.100.0/24"}, false},
		{"pattern path", models.IgnoreRule{RuleType: models.RuleTypePattern, RuleValue: "*/PLUGINS/*/evil.php"}, true},
		{"pattern title", models.IgnoreRule{RuleType: models.RuleTypePattern, RuleValue: "suspicious upload *"}, true},
		{"pattern single char", models.IgnoreRule{RuleType: models.RuleTypePattern, RuleValue: "*shell.ph?"}, true},
		{"pattern miss", models.IgnoreRule{RuleType: models.RuleTypePattern, RuleValue: "*themes*"}, false},
		{"regex description", models.IgnoreRule{RuleType: models.RuleTypeRegex, RuleValue: `open tag .* image`}, true},
		{"regex raw data", models.IgnoreRule{RuleType: models.RuleTypeRegex, RuleValue: `action=upload$`}, true},
		{"regex miss", models.IgnoreRule{RuleType: models.RuleTypeRegex, RuleValue: `^wp-cron`}, false},
		{"scoped to issuer", models.IgnoreRule{RuleType: models.RuleTypeIP, RuleValue: "203.0.113.9", IssuerName: "failed_login"}, false},
		{"scoped to type", models.IgnoreRule{RuleType: models.RuleTypeIP, RuleValue: "203.0.113.9", IssueType: "malicious_upload"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			rule := tt.rule
			mustCreate(t, e, &rule)

			got, err := e.Match(context.Background(), f)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if (got != nil) != tt.match {
				t.Fatalf("Match() = %v, want match %v", got, tt.match)
			}
		})
	}
}

func TestMatch_RecordsUsage(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	rule := mustCreate(t, e, &models.IgnoreRule{
		RuleType:  models.RuleTypeFile,
		RuleValue: "/wp-content/plugins/x/evil.php",
	})

	f := testFinding()
	f.FilePath = "/wp-content/plugins/x/evil.php"
	if !e.ShouldSuppress(ctx, f) {
		t.Fatal("ShouldSuppress() = false, want true")
	}

	stored, _ := store.IgnoreRules().GetByID(ctx, rule.ID)
	if stored.UsageCount != 1 {
		t.Fatalf("usage_count = %d, want 1", stored.UsageCount)
	}
	if stored.LastUsedAt == nil || !stored.LastUsedAt.Equal(testNow) {
		t.Fatalf("last_used_at = %v, want %v", stored.LastUsedAt, testNow)
	}
}

func TestMatch_PriorityOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	f := testFinding()

	mustCreate(t, e, &models.IgnoreRule{RuleType: models.RuleTypeRegex, RuleValue: "evil"})
	mustCreate(t, e, &models.IgnoreRule{RuleType: models.RuleTypeIP, RuleValue: "203.0.113.9"})
	issuer := mustCreate(t, e, &models.IgnoreRule{RuleType: models.RuleTypeIssuer, RuleValue: "uploads"})

	got, err := e.Match(context.Background(), f)
	if err != nil || got == nil {
		t.Fatalf("Match() = %v, %v", got, err)
	}
	if got.ID != issuer.ID {
		t.Fatalf("matched rule %d (%s), want issuer rule %d", got.ID, got.RuleType, issuer.ID)
	}
}

func TestMatch_ExpiredRuleIsInactive(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	past := testNow.Add(-time.Minute)
	rule := mustCreate(t, e, &models.IgnoreRule{
		RuleType:  models.RuleTypeIssuer,
		RuleValue: "uploads",
		ExpiresAt: &past,
	})

	if e.ShouldSuppress(ctx, testFinding()) {
		t.Fatal("expired rule should not suppress")
	}
	stored, _ := store.IgnoreRules().GetByID(ctx, rule.ID)
	if stored.IsActive {
		t.Fatal("expired rule should be lazily deactivated")
	}
	if stored.UsageCount != 0 {
		t.Fatalf("usage_count = %d, want 0", stored.UsageCount)
	}

	future := testNow.Add(time.Hour)
	mustCreate(t, e, &models.IgnoreRule{
		RuleType:  models.RuleTypeIssuer,
		RuleValue: "uploads",
		IssueType: "malicious_upload",
		ExpiresAt: &future,
	})
	if !e.ShouldSuppress(ctx, testFinding()) {
		t.Fatal("rule expiring in the future should suppress")
	}
}

func TestMatch_BrokenRuleFailsOpen(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	// Bypass validation to simulate a rule stored by an older version.
	bad := &models.IgnoreRule{
		RuleType:  models.RuleTypeRegex,
		RuleValue: "([unclosed",
		IsActive:  true,
		CreatedAt: testNow,
	}
	if err := store.IgnoreRules().Create(ctx, bad); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	badIP := &models.IgnoreRule{
		RuleType:  models.RuleTypeIP,
		RuleValue: "10.0.0.0/99",
		IsActive:  true,
		CreatedAt: testNow,
	}
	if err := store.IgnoreRules().Create(ctx, badIP); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if e.ShouldSuppress(ctx, testFinding()) {
		t.Fatal("broken rules must not suppress")
	}

	good := mustCreate(t, e, &models.IgnoreRule{RuleType: models.RuleTypeRegex, RuleValue: "evil"})
	got, err := e.Match(ctx, testFinding())
	if err != nil || got == nil || got.ID != good.ID {
		t.Fatalf("Match() = %v, %v; want rule %d after broken one", got, err, good.ID)
	}
}

func TestCreateRule_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	bad := []models.IgnoreRule{
		{RuleType: "glob", RuleValue: "x"},
		{RuleType: models.RuleTypeFile, RuleValue: "   "},
		{RuleType: models.RuleTypeRegex, RuleValue: "(a"},
		{RuleType: models.RuleTypeIP, RuleValue: "999.1.1.1"},
		{RuleType: models.RuleTypeIP, RuleValue: "10.0.0.0/40"},
	}
	for _, r := range bad {
		rule := r
		if _, err := e.CreateRule(ctx, &rule); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("CreateRule(%s %q) error = %v, want ErrInvalidRule", r.RuleType, r.RuleValue, err)
		}
	}

	first := mustCreate(t, e, &models.IgnoreRule{RuleType: models.RuleTypeFile, RuleValue: "/tmp/x.php"})
	if !first.IsActive || first.CreatedAt.IsZero() {
		t.Fatalf("created rule = %+v", first)
	}
	existing, err := e.CreateRule(ctx, &models.IgnoreRule{RuleType: models.RuleTypeFile, RuleValue: " /tmp/x.php "})
	if !errors.Is(err, ErrDuplicateRule) || existing.ID != first.ID {
		t.Fatalf("duplicate CreateRule() = %v, %v", existing, err)
	}
}

func TestAddIgnoredHash_Idempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	hash := strings.Repeat("AB", 32)

	first, err := e.AddIgnoredHash(ctx, hash, "uploads", "known plugin file", "admin")
	if err != nil {
		t.Fatalf("AddIgnoredHash() error = %v", err)
	}
	if first.RuleValue != strings.ToLower(hash) || first.IssuerName != "uploads" {
		t.Fatalf("rule = %+v", first)
	}
	if err := e.DeactivateRule(ctx, first.ID); err != nil {
		t.Fatalf("DeactivateRule() error = %v", err)
	}

	again, err := e.AddIgnoredHash(ctx, hash, "uploads", "", "admin")
	if err != nil {
		t.Fatalf("second AddIgnoredHash() error = %v", err)
	}
	if again.ID != first.ID || !again.IsActive {
		t.Fatalf("second call = %+v, want reactivated rule %d", again, first.ID)
	}
	if !e.ShouldSuppress(ctx, testFinding()) {
		t.Fatal("hash rule should suppress content hash match")
	}
}

func TestAdminOps(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	if err := e.DeactivateRule(ctx, 404); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("DeactivateRule() error = %v, want ErrRuleNotFound", err)
	}
	if err := e.DeleteRule(ctx, 404); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("DeleteRule() error = %v, want ErrRuleNotFound", err)
	}

	old := &models.IgnoreRule{
		RuleType:  models.RuleTypeIssuer,
		RuleValue: "slow_requests",
		CreatedAt: testNow.Add(-60 * 24 * time.Hour),
	}
	mustCreate(t, e, old)
	fresh := mustCreate(t, e, &models.IgnoreRule{RuleType: models.RuleTypeIssuer, RuleValue: "php_log"})
	past := testNow.Add(-time.Hour)
	expired := &models.IgnoreRule{RuleType: models.RuleTypeIP, RuleValue: "10.0.0.1", ExpiresAt: &past}
	mustCreate(t, e, expired)

	n, err := e.DeactivateExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("DeactivateExpired() = %d, %v; want 1", n, err)
	}
	n, err = e.DeactivateUnused(ctx, 30*24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("DeactivateUnused() = %d, %v; want 1", n, err)
	}
	if n, _ := e.DeactivateUnused(ctx, 0); n != 0 {
		t.Fatalf("DeactivateUnused(0) = %d, want 0", n)
	}

	active, _ := e.ListRules(ctx, true)
	if len(active) != 1 || active[0].ID != fresh.ID {
		t.Fatalf("active rules = %v, want only %d", active, fresh.ID)
	}
	all, _ := e.ListRules(ctx, false)
	if len(all) != 3 {
		t.Fatalf("all rules = %d, want 3", len(all))
	}

	if err := e.DeleteRule(ctx, fresh.ID); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}
	if r, _ := store.IgnoreRules().GetByID(ctx, fresh.ID); r != nil {
		t.Fatal("rule still stored after delete")
	}
}

func TestLoadRulesAndImport(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	data := `
rules:
  - type: issuer
    value: slow_requests
    reason: too noisy
  - type: file
    value: /wp-content/cache/
    issuer: uploads
  - type: ip
    value: 10.0.0.0/8
    expires_at: 2027-01-01T00:00:00Z
`
	rules, err := LoadRules(strings.NewReader(data))
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if len(rules) != 3 || rules[1].IssuerName != "uploads" || rules[2].ExpiresAt == nil {
		t.Fatalf("rules = %+v", rules)
	}

	res, err := e.Import(ctx, rules, "seed")
	if err != nil || res.Created != 3 || res.Skipped != 0 {
		t.Fatalf("Import() = %+v, %v", res, err)
	}

	again, _ := LoadRules(strings.NewReader(data))
	res, err = e.Import(ctx, again, "seed")
	if err != nil || res.Created != 0 || res.Skipped != 3 {
		t.Fatalf("second Import() = %+v, %v; want all skipped", res, err)
	}

	if _, err := LoadRules(strings.NewReader("rules:\n  - type: regex\n    value: '(x'\n")); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("LoadRules(bad regex) error = %v, want ErrInvalidRule", err)
	}
	if rules, err := LoadRules(strings.NewReader("")); err != nil || rules != nil {
		t.Fatalf("LoadRules(empty) = %v, %v", rules, err)
	}
}
