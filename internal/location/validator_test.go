package location

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultValidator(t *testing.T) {
	v := NewDefaultValidator()
	cases := []struct {
		city string
		rule string
	}{
		{"Austin", ""},
		{"san antonio", ""},
		{"Winston-Salem", ""},
		{"St. Louis", ""},
		{"Coeur D'Alene", ""},
		{"A", "length"},
		{"Llanfairpwllgwyngyllgogerychwyrndrobwll", "length"},
		{"12 Oak", "starts_with_letter"},
		{"12345", "starts_with_letter"},
		{"Jan 5, 2024", "not_date"},
		{"Travis County", "no_county"},
		{"Lake Of The Woods Area", "max_words"},
		{"Abandoned Vehicle", "blacklist"},
		{"Inoperable truck", "blacklist"},
		{"N/A", "blacklist"},
	}
	for _, tc := range cases {
		t.Run(tc.city, func(t *testing.T) {
			assert.Equal(t, tc.rule, v.Check(tc.city))
		})
	}
}

func TestValidatorExtraBlacklistAndCustomRules(t *testing.T) {
	v := NewDefaultValidator("downtown")
	assert.False(t, v.Valid("Downtown"))
	assert.True(t, v.Valid("Dallas"))

	noSpringfield := RuleFunc{RuleName: "ambiguous", Fn: func(c string) bool { return c != "Springfield" }}
	strict := v.With(noSpringfield)
	assert.Equal(t, "ambiguous", strict.Check("Springfield"))
	assert.True(t, v.Valid("Springfield"), "With must not mutate the receiver")
}

func TestNotNumericRule(t *testing.T) {
	r := RuleFunc{RuleName: "not_numeric", Fn: notNumeric}
	assert.False(t, r.Allow("78701"))
	assert.True(t, r.Allow("Route 66"))
}

func TestNormalizeCityAndState(t *testing.T) {
	assert.Equal(t, "San Antonio", NormalizeCity("  SAN   antonio "))
	assert.Equal(t, "TX", NormalizeState(" tx "))
	assert.Equal(t, "", NormalizeState("Texas"))
	assert.Equal(t, "", NormalizeState("ZZ"))
}
