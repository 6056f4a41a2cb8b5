// Package ignore decides whether a request URL or method is excluded from
// tracing.
//
// A Rule is one of three kinds: an exact string, a regular expression, or a
// predicate. A list of rules matches a target when any rule in it matches.
package ignore

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidRule is returned for rules that cannot be evaluated.
var ErrInvalidRule = errors.New("invalid ignore rule")

// Kind identifies which variant a Rule holds.
type Kind int

const (
	// KindInvalid is the zero value. Rules of this kind never match.
	KindInvalid Kind = iota
	KindExact
	KindPattern
	KindPredicate
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindPattern:
		return "pattern"
	case KindPredicate:
		return "predicate"
	default:
		return "invalid"
	}
}

// Rule is a single ignore condition.
type Rule struct {
	kind      Kind
	exact     string
	pattern   *regexp.Regexp
	predicate func(string) bool
	source    string
}

// Exact matches a target equal to s.
func Exact(s string) Rule {
	return Rule{kind: KindExact, exact: s, source: s}
}

// Pattern matches a target the regular expression finds a match in.
func Pattern(re *regexp.Regexp) Rule {
	if re == nil {
		return Rule{}
	}
	return Rule{kind: KindPattern, pattern: re, source: re.String()}
}

// MustPattern compiles expr and returns a Pattern rule. It panics if expr
// does not compile.
func MustPattern(expr string) Rule {
	return Pattern(regexp.MustCompile(expr))
}

// Predicate matches a target when fn returns true for it.
func Predicate(fn func(string) bool) Rule {
	if fn == nil {
		return Rule{}
	}
	return Rule{kind: KindPredicate, predicate: fn, source: "func"}
}

// Glob matches a target against a doublestar pattern such as "/static/**".
func Glob(pattern string) (Rule, error) {
	if !doublestar.ValidatePattern(pattern) {
		return Rule{}, fmt.Errorf("%w: bad glob %q", ErrInvalidRule, pattern)
	}
	r := Predicate(func(target string) bool {
		// strip the query so "/static/app.js?v=2" still matches "/static/**"
		if i := strings.IndexByte(target, '?'); i >= 0 {
			target = target[:i]
		}
		ok, _ := doublestar.Match(pattern, target)
		return ok
	})
	r.source = "glob:" + pattern
	return r, nil
}

// Kind reports the variant held by r.
func (r Rule) Kind() Kind {
	return r.kind
}

func (r Rule) String() string {
	if r.kind == KindInvalid {
		return "<invalid>"
	}
	return r.kind.String() + "(" + r.source + ")"
}

// Match reports whether r matches target.
func (r Rule) Match(target string) bool {
	switch r.kind {
	case KindExact:
		return r.exact == target
	case KindPattern:
		return r.pattern.MatchString(target)
	case KindPredicate:
		return r.predicate(target)
	default:
		return false
	}
}

// Matches reports whether target should be ignored under rules.
//
// An empty target is always ignored: a request without a URL or method is
// malformed and not worth tracing. Otherwise the target is ignored when at
// least one rule matches it.
func Matches(rules []Rule, target string) bool {
	if target == "" {
		return true
	}
	for _, r := range rules {
		if r.Match(target) {
			return true
		}
	}
	return false
}

// Validate returns an error naming every rule that can never be evaluated.
func Validate(rules []Rule) error {
	var errs []error
	for i, r := range rules {
		if r.kind == KindInvalid {
			errs = append(errs, fmt.Errorf("%w at index %d", ErrInvalidRule, i))
		}
	}
	return errors.Join(errs...)
}

// Parse converts a configuration string into a Rule.
//
//	re:^/static/.*   regular expression
//	glob:/assets/**  doublestar glob
//	GET              exact match
func Parse(s string) (Rule, error) {
	switch {
	case s == "":
		return Rule{}, fmt.Errorf("%w: empty rule", ErrInvalidRule)
	case strings.HasPrefix(s, "re:"):
		return compile(strings.TrimPrefix(s, "re:"))
	case strings.HasPrefix(s, "glob:"):
		return Glob(strings.TrimPrefix(s, "glob:"))
	default:
		return Exact(s), nil
	}
}

// ParseAll parses every entry of list, stopping at the first error.
func ParseAll(list []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(list))
	for _, s := range list {
		r, err := Parse(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func compile(expr string) (Rule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return Pattern(re), nil
}
