package location

import "strings"

var postalCodes = map[string]struct{}{
	"AL": {}, "AK": {}, "AZ": {}, "AR": {}, "CA": {}, "CO": {}, "CT": {}, "DE": {}, "FL": {}, "GA": {},
	"HI": {}, "ID": {}, "IL": {}, "IN": {}, "IA": {}, "KS": {}, "KY": {}, "LA": {}, "ME": {}, "MD": {},
	"MA": {}, "MI": {}, "MN": {}, "MS": {}, "MO": {}, "MT": {}, "NE": {}, "NV": {}, "NH": {}, "NJ": {},
	"NM": {}, "NY": {}, "NC": {}, "ND": {}, "OH": {}, "OK": {}, "OR": {}, "PA": {}, "RI": {}, "SC": {},
	"SD": {}, "TN": {}, "TX": {}, "UT": {}, "VT": {}, "VA": {}, "WA": {}, "WV": {}, "WI": {}, "WY": {},
	"DC": {}, "PR": {}, "GU": {}, "VI": {}, "AS": {}, "MP": {},
}

// NormalizeState returns the upper-cased postal code, or "" when v is not a
// two-letter US code.
func NormalizeState(v string) string {
	code := strings.ToUpper(strings.TrimSpace(v))
	if len(code) != 2 {
		return ""
	}
	if _, ok := postalCodes[code]; !ok {
		return ""
	}
	return code
}
