package location

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// CityRule is one independently testable check on a candidate city string.
type CityRule interface {
	Name() string
	Allow(city string) bool
}

// RuleFunc adapts a function into a CityRule.
type RuleFunc struct {
	RuleName string
	Fn       func(string) bool
}

func (r RuleFunc) Name() string           { return r.RuleName }
func (r RuleFunc) Allow(city string) bool { return r.Fn(city) }

// Validator accepts a city only when every rule allows it.
type Validator struct {
	rules []CityRule
}

func NewValidator(rules ...CityRule) *Validator {
	return &Validator{rules: rules}
}

// With returns a copy of v with extra rules appended.
func (v *Validator) With(rules ...CityRule) *Validator {
	combined := make([]CityRule, 0, len(v.rules)+len(rules))
	combined = append(combined, v.rules...)
	combined = append(combined, rules...)
	return &Validator{rules: combined}
}

// Check returns the name of the first rejecting rule, or "" if city is valid.
func (v *Validator) Check(city string) string {
	city = collapseSpaces(city)
	for _, r := range v.rules {
		if !r.Allow(city) {
			return r.Name()
		}
	}
	return ""
}

func (v *Validator) Valid(city string) bool { return v.Check(city) == "" }

// DefaultRules is the standard rule set; extra blacklist tokens extend the
// built-in non-location vocabulary.
func DefaultRules(extraBlacklist ...string) []CityRule {
	return []CityRule{
		LengthRule{Min: 2, Max: 30},
		RuleFunc{RuleName: "starts_with_letter", Fn: startsWithLetter},
		RuleFunc{RuleName: "not_numeric", Fn: notNumeric},
		RuleFunc{RuleName: "not_date", Fn: notDateShaped},
		SubstringRule{Substring: "county"},
		MaxWordsRule{Max: 4},
		NewBlacklistRule(append(append([]string(nil), defaultBlacklist...), extraBlacklist...)...),
	}
}

// NewDefaultValidator builds a Validator from DefaultRules.
func NewDefaultValidator(extraBlacklist ...string) *Validator {
	return NewValidator(DefaultRules(extraBlacklist...)...)
}

type LengthRule struct{ Min, Max int }

func (LengthRule) Name() string { return "length" }

func (r LengthRule) Allow(city string) bool {
	n := utf8.RuneCountInString(city)
	return n >= r.Min && n <= r.Max
}

// SubstringRule rejects cities containing Substring, case-insensitively.
type SubstringRule struct{ Substring string }

func (r SubstringRule) Name() string { return "no_" + r.Substring }

func (r SubstringRule) Allow(city string) bool {
	return !strings.Contains(strings.ToLower(city), strings.ToLower(r.Substring))
}

type MaxWordsRule struct{ Max int }

func (MaxWordsRule) Name() string { return "max_words" }

func (r MaxWordsRule) Allow(city string) bool {
	return len(strings.Fields(city)) <= r.Max
}

// BlacklistRule rejects cities containing any listed word as a whole token.
type BlacklistRule struct {
	tokens map[string]struct{}
}

func NewBlacklistRule(tokens ...string) BlacklistRule {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			set[t] = struct{}{}
		}
	}
	return BlacklistRule{tokens: set}
}

func (BlacklistRule) Name() string { return "blacklist" }

func (r BlacklistRule) Allow(city string) bool {
	words := strings.FieldsFunc(strings.ToLower(city), func(c rune) bool {
		return !unicode.IsLetter(c) && c != '/' && c != '\''
	})
	for _, w := range words {
		if _, ok := r.tokens[w]; ok {
			return false
		}
	}
	return true
}

// Words CSV authors put in free-text columns that end up where a city is expected.
var defaultBlacklist = []string{
	// vehicles
	"vehicle", "vehicles", "car", "cars", "truck", "trailer", "boat", "rv", "motorcycle", "inoperable", "unregistered",
	// legal and enforcement
	"violation", "violations", "code", "ordinance", "section", "notice", "lien", "court", "hearing",
	"citation", "compliance", "inspection", "complaint", "case", "fine", "permit",
	// descriptive
	"abandoned", "junk", "debris", "trash", "vacant", "overgrown", "grass", "weeds", "unsafe",
	"structure", "fence", "roof", "pool", "property", "owner", "tenant", "parcel", "unit", "apt", "suite",
	// placeholders
	"n/a", "na", "none", "unknown", "tbd", "null", "test",
}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}`),
	regexp.MustCompile(`(?i)^(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(st|nd|rd|th)?,?(\s+\d{2,4})?$`),
	regexp.MustCompile(`(?i)^\d{1,2}\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?(\s+\d{2,4})?$`),
}

func startsWithLetter(city string) bool {
	r, _ := utf8.DecodeRuneInString(city)
	return unicode.IsLetter(r)
}

func notNumeric(city string) bool {
	for _, r := range city {
		if !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			return true
		}
	}
	return false
}

func notDateShaped(city string) bool {
	for _, re := range datePatterns {
		if re.MatchString(city) {
			return false
		}
	}
	return true
}
