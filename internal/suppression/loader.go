package suppression

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// RulesFile is the YAML layout of a seed rules file.
type RulesFile struct {
	Rules []*models.IgnoreRule `yaml:"rules"`
}

// LoadRulesFromFile loads ignore rules from a YAML file.
func LoadRulesFromFile(path string) ([]*models.IgnoreRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer f.Close()

	return LoadRules(f)
}

// LoadRules loads ignore rules from a reader and validates each one.
func LoadRules(r io.Reader) ([]*models.IgnoreRule, error) {
	var file RulesFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}

	for i, rule := range file.Rules {
		if rule == nil {
			return nil, fmt.Errorf("invalid rule at index %d: empty entry", i)
		}
		if err := Validate(rule); err != nil {
			return nil, fmt.Errorf("invalid rule at index %d: %w", i, err)
		}
	}
	return file.Rules, nil
}

// ImportResult summarises an Import call.
type ImportResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// Import stores rules that do not exist yet. Running it twice with the same
// input creates nothing the second time.
func (e *Engine) Import(ctx context.Context, rules []*models.IgnoreRule, user string) (ImportResult, error) {
	var res ImportResult
	for _, rule := range rules {
		if rule.CreatedBy == "" {
			rule.CreatedBy = user
		}
		_, err := e.CreateRule(ctx, rule)
		switch {
		case errors.Is(err, ErrDuplicateRule):
			res.Skipped++
		case err != nil:
			return res, err
		default:
			res.Created++
		}
	}
	if res.Created > 0 {
		e.logger.Info("imported ignore rules", zap.Int("created", res.Created), zap.Int("skipped", res.Skipped))
	}
	return res, nil
}
