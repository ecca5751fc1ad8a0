// Package matcher classifies DNS names as tunnel or direct against a set of
// literal and wildcard rules.
package matcher

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

// ErrInvalidPattern indicates a rule pattern failed validation.
var ErrInvalidPattern = fmt.Errorf("matcher: invalid pattern")

var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)

// Rule is a single classification rule. Pattern is either a literal FQDN or
// a wildcard of the form "*.<suffix>".
type Rule struct {
	Pattern string `json:"pattern"`
	Tunnel  bool   `json:"tunnel"`
}

// Result is the outcome of classifying a name.
type Result struct {
	Matched     bool
	Tunnel      bool
	MatchedRule string
}

// Matcher holds an immutable rule set behind an atomic pointer so that reads
// from the DNS proxy and SNI proxy never block on control-plane writes.
type Matcher struct {
	rules atomic.Pointer[ruleSet]
}

// ruleSet is the compiled, immutable snapshot swapped in on every mutation.
type ruleSet struct {
	exact     map[string]Rule
	wildcards map[string]Rule // key is the suffix after "*.", e.g. "example.com"
	ordered   []Rule          // insertion order, for GetRules round-trip
}

func emptyRuleSet() *ruleSet {
	return &ruleSet{exact: map[string]Rule{}, wildcards: map[string]Rule{}}
}

// New returns an empty matcher.
func New() *Matcher {
	m := &Matcher{}
	m.rules.Store(emptyRuleSet())
	return m
}

// IsValid reports whether pattern is an acceptable rule pattern.
func IsValid(pattern string) (bool, error) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return false, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if strings.Count(p, "*") > 1 {
		return false, fmt.Errorf("%w: multiple wildcards in %q", ErrInvalidPattern, pattern)
	}
	if strings.Contains(p, "*") {
		if !strings.HasPrefix(p, "*.") {
			return false, fmt.Errorf("%w: wildcard must lead the pattern in %q", ErrInvalidPattern, pattern)
		}
		suffix := p[2:]
		if suffix == "" || !labelPattern.MatchString(suffix) {
			return false, fmt.Errorf("%w: malformed wildcard suffix in %q", ErrInvalidPattern, pattern)
		}
		return true, nil
	}
	if !labelPattern.MatchString(p) {
		return false, fmt.Errorf("%w: malformed domain %q", ErrInvalidPattern, pattern)
	}
	return true, nil
}

func normalize(pattern string) string {
	return strings.ToLower(strings.TrimSpace(pattern))
}

// Add inserts or replaces a rule. Invalid patterns are rejected and the rule
// set is left unchanged.
func (m *Matcher) Add(pattern string, tunnel bool) error {
	if _, err := IsValid(pattern); err != nil {
		return err
	}
	p := normalize(pattern)
	rule := Rule{Pattern: p, Tunnel: tunnel}

	for {
		cur := m.rules.Load()
		next := cur.clone()
		next.insert(rule)
		if m.rules.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Remove deletes a rule by pattern, reporting whether it was present.
func (m *Matcher) Remove(pattern string) bool {
	p := normalize(pattern)
	for {
		cur := m.rules.Load()
		if !cur.has(p) {
			return false
		}
		next := cur.clone()
		next.remove(p)
		if m.rules.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Load atomically replaces the entire rule set. On validation failure the
// existing rule set is left untouched.
func (m *Matcher) Load(rules []Rule) error {
	next := emptyRuleSet()
	for _, r := range rules {
		if _, err := IsValid(r.Pattern); err != nil {
			return err
		}
		next.insert(Rule{Pattern: normalize(r.Pattern), Tunnel: r.Tunnel})
	}
	m.rules.Store(next)
	return nil
}

// GetRules returns the current rule set in insertion order.
func (m *Matcher) GetRules() []Rule {
	cur := m.rules.Load()
	out := make([]Rule, len(cur.ordered))
	copy(out, cur.ordered)
	return out
}

// Match classifies name against the current rule set. Exact literals win
// over wildcards; among wildcards the longest matching suffix wins because
// suffixes are probed from the most specific label outward.
func (m *Matcher) Match(name string) Result {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, ".")
	if n == "" {
		return Result{}
	}
	cur := m.rules.Load()

	if rule, ok := cur.exact[n]; ok {
		return Result{Matched: true, Tunnel: rule.Tunnel, MatchedRule: rule.Pattern}
	}

	labels := strings.Split(n, ".")
	for i := 1; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		if rule, ok := cur.wildcards[suffix]; ok {
			return Result{Matched: true, Tunnel: rule.Tunnel, MatchedRule: rule.Pattern}
		}
	}
	return Result{Matched: false, Tunnel: false}
}

func (rs *ruleSet) has(pattern string) bool {
	if strings.HasPrefix(pattern, "*.") {
		_, ok := rs.wildcards[pattern[2:]]
		return ok
	}
	_, ok := rs.exact[pattern]
	return ok
}

func (rs *ruleSet) clone() *ruleSet {
	next := &ruleSet{
		exact:     make(map[string]Rule, len(rs.exact)),
		wildcards: make(map[string]Rule, len(rs.wildcards)),
		ordered:   make([]Rule, len(rs.ordered)),
	}
	for k, v := range rs.exact {
		next.exact[k] = v
	}
	for k, v := range rs.wildcards {
		next.wildcards[k] = v
	}
	copy(next.ordered, rs.ordered)
	return next
}

func (rs *ruleSet) insert(rule Rule) {
	key := rule.Pattern
	replaced := false
	if strings.HasPrefix(key, "*.") {
		suffix := key[2:]
		if _, existed := rs.wildcards[suffix]; existed {
			replaced = true
		}
		rs.wildcards[suffix] = rule
	} else {
		if _, existed := rs.exact[key]; existed {
			replaced = true
		}
		rs.exact[key] = rule
	}
	if replaced {
		for i, r := range rs.ordered {
			if r.Pattern == key {
				rs.ordered[i] = rule
				return
			}
		}
	}
	rs.ordered = append(rs.ordered, rule)
}

func (rs *ruleSet) remove(pattern string) {
	if strings.HasPrefix(pattern, "*.") {
		delete(rs.wildcards, pattern[2:])
	} else {
		delete(rs.exact, pattern)
	}
	for i, r := range rs.ordered {
		if r.Pattern == pattern {
			rs.ordered = append(rs.ordered[:i], rs.ordered[i+1:]...)
			break
		}
	}
}
