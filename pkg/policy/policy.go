// Package policy holds the Segregation-of-Duties conflict matrix.
//
// A policy is a fixed table of mutually exclusive action pairs, each
// with the time window inside which both actions by the same actor
// constitute a violation. It is loaded once at startup and immutable
// for the rest of the run; a change is a reload, not a mutation.
package policy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotLoaded is reported when evaluation is attempted with no
	// policy configured. Fatal to that evaluation, harmless to the ledger.
	ErrNotLoaded = errors.New("policy: conflict policy not loaded")

	// ErrInvalidRule is returned for malformed entries at load time.
	ErrInvalidRule = errors.New("policy: invalid rule")

	// ErrDuplicatePair is returned when two entries name the same
	// unordered action pair.
	ErrDuplicatePair = errors.New("policy: duplicate conflict pair")
)

// DefaultControl is attached to rules that do not name a control
// reference themselves.
const DefaultControl = "AC-5"

// Rule is one unordered conflict pair with its detection window.
type Rule struct {
	ID      string        `json:"id"`
	ActionA string        `json:"action_a"`
	ActionB string        `json:"action_b"`
	Window  time.Duration `json:"window"`
	Control string        `json:"control"`
}

// Policy is the immutable conflict matrix. Lookup is symmetric:
// Lookup(A, B) == Lookup(B, A).
type Policy struct {
	rules     map[pairKey]Rule
	maxWindow time.Duration
}

type pairKey struct {
	low, high string
}

func keyFor(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{low: a, high: b}
}

// ruleEntry is the YAML wire form of a rule.
type ruleEntry struct {
	ID            string `yaml:"id"`
	ActionA       string `yaml:"action_a"`
	ActionB       string `yaml:"action_b"`
	WindowSeconds int64  `yaml:"window_seconds"`
	Control       string `yaml:"control"`
}

type policyFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

// Load reads and parses a policy YAML file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Policy from YAML bytes, rejecting malformed or
// duplicate entries.
func Parse(data []byte) (*Policy, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("policy: parse yaml: %w", err)
	}
	if len(pf.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules defined", ErrInvalidRule)
	}

	p := &Policy{rules: make(map[pairKey]Rule, len(pf.Rules))}
	for i, e := range pf.Rules {
		if e.ActionA == "" || e.ActionB == "" {
			return nil, fmt.Errorf("%w: rule %d: both actions are required", ErrInvalidRule, i)
		}
		if e.ActionA == e.ActionB {
			return nil, fmt.Errorf("%w: rule %d: actions must differ", ErrInvalidRule, i)
		}
		if e.WindowSeconds <= 0 {
			return nil, fmt.Errorf("%w: rule %d: window_seconds must be positive", ErrInvalidRule, i)
		}

		key := keyFor(e.ActionA, e.ActionB)
		if _, seen := p.rules[key]; seen {
			return nil, fmt.Errorf("%w: {%s, %s}", ErrDuplicatePair, e.ActionA, e.ActionB)
		}

		r := Rule{
			ID:      e.ID,
			ActionA: key.low,
			ActionB: key.high,
			Window:  time.Duration(e.WindowSeconds) * time.Second,
			Control: e.Control,
		}
		if r.ID == "" {
			r.ID = fmt.Sprintf("sod-%s-%s", key.low, key.high)
		}
		if r.Control == "" {
			r.Control = DefaultControl
		}

		p.rules[key] = r
		if r.Window > p.maxWindow {
			p.maxWindow = r.Window
		}
	}
	return p, nil
}

// Lookup returns the rule covering the unordered pair {a, b}, if any.
func (p *Policy) Lookup(a, b string) (Rule, bool) {
	r, ok := p.rules[keyFor(a, b)]
	return r, ok
}

// MaxWindow is the largest window across all rules; it bounds how far
// back the rule engine needs to fetch history.
func (p *Policy) MaxWindow() time.Duration {
	return p.maxWindow
}

// Len returns the number of configured conflict pairs.
func (p *Policy) Len() int {
	return len(p.rules)
}

// Rules returns a copy of all configured rules.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r)
	}
	return out
}
