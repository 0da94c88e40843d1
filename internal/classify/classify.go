package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// WrongAPIKeyMarker is the upstream message for a rejected marketplace API key.
const WrongAPIKeyMarker = "Введен не валидный API ключ"

// Rule maps a pattern to a category. A rule matches when the pattern contains
// any of Contains, or when Match matches. With a capture group the category
// is the first submatch unless it is listed in Exclude.
type Rule struct {
	Category string
	Contains []string
	Match    *regexp.Regexp
	Exclude  []string
}

// DefaultRules is the ordered rule table; the first matching rule wins.
var DefaultRules = []Rule{
	{Category: "TimedOut", Contains: []string{"timed out"}},
	{Category: "WrongApi", Contains: []string{WrongAPIKeyMarker}},
	{Category: "InvalidData", Contains: []string{"data was invalid"}},
	{Category: "NullProperty", Contains: []string{"on null"}},
	{Category: "ApiKeyNotWorking", Contains: []string{"api key not working"}},
	{Category: "InvalidClientID", Contains: []string{"ClientID"}},
	{Category: "PaymentFailed", Contains: []string{"paymentFailed", "payment failed", "payment error"}},
	{Match: regexp.MustCompile(`production\.\w+:\s+([A-Z_]+):`), Exclude: []string{"ERROR", "WARNING", "INFO"}},
	{Category: "SQLSTATE", Match: regexp.MustCompile(`\bSQLSTATE\b`)},
}

// Classifier assigns categories from an ordered rule table.
type Classifier struct {
	rules []Rule
}

// New returns a Classifier over rules, or over DefaultRules when none are given.
func New(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

// Classify returns the category of pattern, or "" when no rule matches.
func (c *Classifier) Classify(pattern string) string {
	for _, r := range c.rules {
		if cat, ok := r.apply(pattern); ok {
			return cat
		}
	}
	return ""
}

// Validate reports rules that can never match or never yield a category.
func Validate(rules []Rule) error {
	for i, r := range rules {
		if len(r.Contains) == 0 && r.Match == nil {
			return fmt.Errorf("classify: rule %d (%q) has neither substrings nor a regexp", i, r.Category)
		}
		if r.Category == "" && (r.Match == nil || r.Match.NumSubexp() == 0) {
			return fmt.Errorf("classify: rule %d has no category and no capture group", i)
		}
	}
	return nil
}

func (r Rule) apply(pattern string) (string, bool) {
	for _, s := range r.Contains {
		if s != "" && strings.Contains(pattern, s) {
			return r.Category, true
		}
	}
	if r.Match == nil {
		return "", false
	}
	if r.Match.NumSubexp() == 0 || r.Category != "" {
		if r.Match.MatchString(pattern) {
			return r.Category, true
		}
		return "", false
	}
	m := r.Match.FindStringSubmatch(pattern)
	if m == nil || m[1] == "" {
		return "", false
	}
	for _, ex := range r.Exclude {
		if m[1] == ex {
			return "", false
		}
	}
	return m[1], true
}
