package enrichment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const defaultDescription = "No description provided."

// Labels recorded in matched_on for the legacy rule keys.
const (
	MatchedOnHTTPServer = "http_server_header"
	MatchedOnSSHBanner  = "ssh_banner"
)

// Rule is one declarative CVE detector as read from the rule file.
type Rule struct {
	CVEID       string
	Severity    types.Severity
	Description string
	// FieldRegexes maps a dotted probe field path to a pattern.
	FieldRegexes map[string]string
	// ServerRegex and SSHBannerRegex are the legacy single-field keys.
	ServerRegex    string
	SSHBannerRegex string
}

// DisabledRule records a rule that was switched off for the run.
type DisabledRule struct {
	CVEID  string
	Field  string
	Reason string
}

type fieldMatcher struct {
	path  string
	label string
	re    *regexp.Regexp
}

type compiledRule struct {
	rule     Rule
	matchers []fieldMatcher
}

// RuleSet is an immutable compiled rule list, safe for concurrent use.
type RuleSet struct {
	rules    []compiledRule
	disabled []DisabledRule
}

// LoadRules reads a YAML (or JSON) rule file. A missing file yields an empty
// rule set and a *types.ConfigurationWarning; malformed regexes disable the
// affected rule only.
func LoadRules(path string, log *logger.Logger) (*RuleSet, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if path == "" {
		return &RuleSet{}, &types.ConfigurationWarning{Component: "cve_rules", Err: errors.New("no rule file configured")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &RuleSet{}, &types.ConfigurationWarning{Component: "cve_rules", Err: fmt.Errorf("failed to read %s: %w", path, err)}
	}

	rules, err := ParseRules(data)
	if err != nil {
		return &RuleSet{}, &types.ConfigurationWarning{Component: "cve_rules", Err: fmt.Errorf("failed to parse %s: %w", path, err)}
	}

	rs := Compile(rules)
	for _, d := range rs.disabled {
		log.Warnw("CVE rule disabled", "cve_id", d.CVEID, "field", d.Field, "reason", d.Reason)
	}
	log.Infow("CVE rules loaded", "path", path, "active", rs.Len(), "disabled", len(rs.disabled))
	return rs, nil
}

// ParseRules decodes a rule document: either a top-level list or a mapping
// with a "rules" list. Values are coerced to strings so that numeric ids or
// severities in hand-written files still load.
func ParseRules(data []byte) ([]Rule, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var items []interface{}
	switch v := doc.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		items = v
	case map[string]interface{}:
		list, ok := v["rules"].([]interface{})
		if !ok {
			return nil, errors.New(`expected a list of rules or a "rules" key`)
		}
		items = list
	default:
		return nil, fmt.Errorf("unexpected rule document of type %T", doc)
	}

	rules := make([]Rule, 0, len(items))
	for i, item := range items {
		m, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, ruleFromMap(m))
	}
	return rules, nil
}

func ruleFromMap(m map[string]interface{}) Rule {
	r := Rule{
		CVEID:          cast.ToString(m["cve_id"]),
		Severity:       types.Severity(cast.ToString(m["severity"])).Normalize(),
		Description:    cast.ToString(m["description"]),
		ServerRegex:    cast.ToString(m["server_regex"]),
		SSHBannerRegex: cast.ToString(m["ssh_banner_regex"]),
	}
	if fr, ok := m["field_regexes"]; ok {
		r.FieldRegexes = cast.ToStringMapString(fr)
	}
	if r.CVEID == "" {
		r.CVEID = "UNKNOWN"
	}
	if r.Severity == "" {
		r.Severity = types.SeverityUnknown
	}
	if r.Description == "" {
		r.Description = defaultDescription
	}
	return r
}

// Compile builds a RuleSet. Patterns are matched case-insensitively; a rule
// with any pattern that fails to compile is disabled as a whole.
func Compile(rules []Rule) *RuleSet {
	rs := &RuleSet{}
	for _, r := range rules {
		cr, bad := compileRule(r)
		if bad != nil {
			rs.disabled = append(rs.disabled, *bad)
			continue
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs
}

func compileRule(r Rule) (compiledRule, *DisabledRule) {
	type fieldPattern struct{ path, label, pattern string }
	var patterns []fieldPattern

	if r.ServerRegex != "" {
		patterns = append(patterns, fieldPattern{types.FieldHTTPServer, MatchedOnHTTPServer, r.ServerRegex})
	}
	if r.SSHBannerRegex != "" {
		patterns = append(patterns, fieldPattern{types.FieldSSHBanner, MatchedOnSSHBanner, r.SSHBannerRegex})
	}
	paths := make([]string, 0, len(r.FieldRegexes))
	for p := range r.FieldRegexes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		patterns = append(patterns, fieldPattern{p, p, r.FieldRegexes[p]})
	}

	cr := compiledRule{rule: r}
	if len(patterns) == 0 {
		return cr, &DisabledRule{CVEID: r.CVEID, Reason: "rule has no field patterns"}
	}
	for _, s := range patterns {
		re, err := regexp.Compile("(?i)" + s.pattern)
		if err != nil {
			return cr, &DisabledRule{CVEID: r.CVEID, Field: s.path, Reason: err.Error()}
		}
		cr.matchers = append(cr.matchers, fieldMatcher{path: s.path, label: s.label, re: re})
	}
	return cr, nil
}

// Len is the number of active rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

func (rs *RuleSet) Disabled() []DisabledRule {
	out := make([]DisabledRule, len(rs.disabled))
	copy(out, rs.disabled)
	return out
}

// Match evaluates every active rule against probes. Matches are additive and
// returned in rule order; within a rule, in field order.
func (rs *RuleSet) Match(probes types.Probes) []types.CVEMatch {
	matches := []types.CVEMatch{}
	if rs == nil {
		return matches
	}
	for _, cr := range rs.rules {
		matches = append(matches, cr.match(probes)...)
	}
	return matches
}

func (cr compiledRule) match(probes types.Probes) (out []types.CVEMatch) {
	// A rule that blows up during evaluation contributes nothing.
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()

	for _, m := range cr.matchers {
		value, ok := probes.String(m.path)
		if !ok || value == "" {
			continue
		}
		if m.re.MatchString(value) {
			out = append(out, types.CVEMatch{
				CVEID:        cr.rule.CVEID,
				Severity:     cr.rule.Severity,
				Description:  cr.rule.Description,
				MatchedOn:    m.label,
				MatchedValue: value,
			})
		}
	}
	return out
}

// CVEEnricher applies a RuleSet to every event.
type CVEEnricher struct {
	rules *RuleSet
}

func NewCVEEnricher(rules *RuleSet) *CVEEnricher {
	if rules == nil {
		rules = &RuleSet{}
	}
	return &CVEEnricher{rules: rules}
}

func (c *CVEEnricher) Name() string { return "cve" }

func (c *CVEEnricher) Applies(*types.AssetEvent) bool { return true }

func (c *CVEEnricher) Enrich(_ context.Context, ev *types.AssetEvent) (Fragment, error) {
	return Fragment{CVEMatches: c.rules.Match(ev.Probes)}, nil
}
