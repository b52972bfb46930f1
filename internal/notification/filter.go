package notification

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// Filter compiles and evaluates an expr-lang routing expression against an issue.
type Filter struct {
	expression string
	program    *vm.Program
}

// NewFilter compiles expression. An empty expression accepts every issue.
func NewFilter(expression string) (*Filter, error) {
	f := &Filter{expression: expression}
	if expression == "" {
		return f, nil
	}
	// expr-lang operators: severity_rank >= 3 && issuer in ["uploads", "php_log"]
	program, err := expr.Compile(expression, expr.Env(sampleEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expression, err)
	}
	f.program = program
	return f, nil
}

// Match evaluates the filter.
func (f *Filter) Match(issue *models.Issue) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	result, err := expr.Run(f.program, issueEnv(issue))
	if err != nil {
		return false, fmt.Errorf("evaluate filter: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("filter did not return bool: got %T", result)
	}
	return matched, nil
}

// Expression returns the original expression string.
func (f *Filter) Expression() string {
	return f.expression
}

func sampleEnv() map[string]any {
	return map[string]any{
		"severity":        "",
		"severity_rank":   0,
		"issuer":          "",
		"issue_type":      "",
		"title":           "",
		"file_path":       "",
		"ip_address":      "",
		"detection_count": int64(0),
		"recurring":       false,
		"metadata":        map[string]any{},
	}
}

func issueEnv(issue *models.Issue) map[string]any {
	metadata := issue.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"severity":        string(issue.Severity),
		"severity_rank":   issue.Severity.Rank(),
		"issuer":          issue.IssuerName,
		"issue_type":      issue.IssueType,
		"title":           issue.Title,
		"file_path":       issue.FilePath,
		"ip_address":      issue.IPAddress,
		"detection_count": issue.DetectionCount,
		"recurring":       issue.DetectionCount > 1,
		"metadata":        metadata,
	}
}
