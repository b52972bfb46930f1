package suppression

import (
	"fmt"
	"net/netip"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// typeOrder is the evaluation priority of rule types. Cheap, broad rules
// run before pattern and regex rules.
var typeOrder = map[models.RuleType]int{
	models.RuleTypeIssuer:  0,
	models.RuleTypeHash:    1,
	models.RuleTypeFile:    2,
	models.RuleTypeIP:      3,
	models.RuleTypePattern: 4,
	models.RuleTypeRegex:   5,
}

// matcher evaluates rule values against findings and caches compiled patterns.
type matcher struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func newMatcher() *matcher {
	return &matcher{cache: make(map[string]*regexp.Regexp)}
}

// subject carries the finding plus its computed fingerprint.
type subject struct {
	f         *models.RawFinding
	issueHash string
}

// match reports whether rule matches s. An error means the rule could not
// be evaluated and is treated as non-matching by the caller.
func (m *matcher) match(rule *models.IgnoreRule, s subject) (bool, error) {
	f := s.f
	switch rule.RuleType {
	case models.RuleTypeIssuer:
		return rule.RuleValue == f.IssuerName, nil

	case models.RuleTypeHash:
		v := strings.ToLower(strings.TrimSpace(rule.RuleValue))
		if v == "" {
			return false, nil
		}
		return v == strings.ToLower(f.ContentHash) ||
			v == strings.ToLower(f.LineCodeHash) ||
			v == s.issueHash, nil

	case models.RuleTypeFile:
		return matchFile(rule.RuleValue, f.FilePath), nil

	case models.RuleTypeIP:
		return matchIP(rule.RuleValue, f.IPAddress)

	case models.RuleTypePattern:
		re, err := m.compile("wildcard:"+rule.RuleValue, func() (*regexp.Regexp, error) {
			return wildcardRegexp(rule.RuleValue)
		})
		if err != nil {
			return false, err
		}
		return anyMatch(re, f.FilePath, f.Title, f.Description), nil

	case models.RuleTypeRegex:
		re, err := m.compile("regex:"+rule.RuleValue, func() (*regexp.Regexp, error) {
			return regexp.Compile(rule.RuleValue)
		})
		if err != nil {
			return false, err
		}
		return anyMatch(re, f.FilePath, f.Title, f.Description, f.RawData), nil

	default:
		return false, fmt.Errorf("unknown rule type %q", rule.RuleType)
	}
}

func (m *matcher) compile(key string, build func() (*regexp.Regexp, error)) (*regexp.Regexp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.cache[key]; ok {
		return re, nil
	}
	re, err := build()
	if err != nil {
		return nil, err
	}
	m.cache[key] = re
	return re, nil
}

func anyMatch(re *regexp.Regexp, fields ...string) bool {
	for _, v := range fields {
		if v != "" && re.MatchString(v) {
			return true
		}
	}
	return false
}

// matchFile matches an exact path, or every path under value when value
// ends with a slash.
func matchFile(value, filePath string) bool {
	if value == "" || filePath == "" {
		return false
	}
	if strings.HasSuffix(value, "/") {
		return strings.HasPrefix(path.Clean(filePath), value)
	}
	return path.Clean(value) == path.Clean(filePath)
}

// matchIP matches an exact address or a CIDR prefix.
func matchIP(value, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false, nil
	}
	addr = addr.Unmap()
	value = strings.TrimSpace(value)
	if strings.Contains(value, "/") {
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return false, fmt.Errorf("invalid cidr %q: %w", value, err)
		}
		return prefix.Contains(addr), nil
	}
	want, err := netip.ParseAddr(value)
	if err != nil {
		return false, fmt.Errorf("invalid ip %q: %w", value, err)
	}
	return want.Unmap() == addr, nil
}

// wildcardRegexp turns a case-insensitive glob with * and ? into an
// anchored regexp. Unlike path.Match, * also crosses slashes.
func wildcardRegexp(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
