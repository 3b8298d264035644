package ingestion

import (
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/angelmondragon/propwatch-backend/internal/location"
)

var fieldAliases = map[string][]string{
	"address":          {"address", "property address", "street address", "situs address", "site address", "full address", "location", "addr", "prop address"},
	"zip":              {"zip", "zip code", "zipcode", "postal code", "property zip", "situs zip"},
	"county":           {"county", "property county", "situs county"},
	"violation_type":   {"violation type", "violation", "type", "category", "violation description", "description", "code section"},
	"violation_status": {"status", "violation status", "case status"},
	"case_number":      {"case number", "case no", "case #", "case", "case id", "record number", "permit number"},
	"opened_on":        {"opened", "opened date", "open date", "date opened", "violation date", "date", "case date", "filed date"},
}

var (
	zipPattern   = regexp.MustCompile(`^(\d{5})(?:-?\d{4})?$`)
	nonAlnum     = regexp.MustCompile(`[^A-Z0-9 ]+`)
	dateLayouts  = []string{"2006-01-02", "01/02/2006", "1/2/2006", "01/02/06", "1/2/06", "2006/01/02", "01-02-2006", "Jan 2, 2006", "January 2, 2006", "2 Jan 2006", time.RFC3339, "2006-01-02 15:04:05"}
	streetSuffix = map[string]string{
		"STREET": "ST", "AVENUE": "AVE", "AV": "AVE", "ROAD": "RD", "DRIVE": "DR", "BOULEVARD": "BLVD",
		"LANE": "LN", "COURT": "CT", "PLACE": "PL", "CIRCLE": "CIR", "PARKWAY": "PKWY", "HIGHWAY": "HWY",
		"TERRACE": "TER", "TRAIL": "TRL", "NORTH": "N", "SOUTH": "S", "EAST": "E", "WEST": "W",
		"NORTHEAST": "NE", "NORTHWEST": "NW", "SOUTHEAST": "SE", "SOUTHWEST": "SW",
	}
)

// candidate is a normalized staging row ready for promotion.
type candidate struct {
	Address         string
	City            string
	State           string
	Zip             string
	County          string
	NaturalKey      string
	ViolationType   string
	ViolationStatus string
	CaseNumber      string
	OpenedOn        *time.Time
}

// pick returns the first non-empty value among a field's aliases.
func pick(raw map[string]string, field string) string {
	for _, alias := range fieldAliases[field] {
		for k, v := range raw {
			if strings.EqualFold(headerKey(k), alias) && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func headerKey(h string) string {
	h = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(strings.ToLower(h))
	return strings.Join(strings.Fields(h), " ")
}

// normalizeRow validates one staging row; city and state were resolved at parse time.
func normalizeRow(rowNum int, raw map[string]string, city, state, fallbackCounty string) (*candidate, *RowError) {
	address := strings.Join(strings.Fields(pick(raw, "address")), " ")
	if address == "" {
		return nil, &RowError{Row: rowNum, Field: "address", Reason: "missing"}
	}
	// Keep only the street part when the address carries its own city/state tail.
	if street, _, ok := strings.Cut(address, ","); ok && strings.TrimSpace(street) != "" {
		address = strings.TrimSpace(street)
	}
	if city == "" || state == "" {
		return nil, &RowError{Row: rowNum, Field: "location", Reason: "no city/state"}
	}

	zip := ""
	if z := pick(raw, "zip"); z != "" {
		m := zipPattern.FindStringSubmatch(strings.ReplaceAll(z, " ", ""))
		if m == nil {
			return nil, &RowError{Row: rowNum, Field: "zip", Reason: "invalid zip " + z}
		}
		zip = m[1]
	}

	var opened *time.Time
	if d := pick(raw, "opened_on"); d != "" {
		t, ok := parseDate(d)
		if !ok {
			return nil, &RowError{Row: rowNum, Field: "opened_on", Reason: "unparseable date " + d}
		}
		opened = &t
	}

	county := pick(raw, "county")
	if county == "" {
		county = fallbackCounty
	}

	c := &candidate{
		Address:         address,
		City:            city,
		State:           state,
		Zip:             zip,
		County:          location.NormalizeCity(county),
		ViolationType:   pick(raw, "violation_type"),
		ViolationStatus: strings.ToLower(pick(raw, "violation_status")),
		CaseNumber:      pick(raw, "case_number"),
		OpenedOn:        opened,
	}
	c.NaturalKey = NaturalKey(c.Address, c.City, c.State, c.Zip)
	return c, nil
}

// NaturalKey is the comparison key for a property: upper-cased, punctuation
// stripped, common street words abbreviated, zip cut to five digits.
func NaturalKey(address, city, state, zip string) string {
	return strings.Join([]string{
		canonicalAddress(address),
		strings.ToUpper(strings.Join(strings.Fields(city), " ")),
		strings.ToUpper(strings.TrimSpace(state)),
		firstN(strings.TrimSpace(zip), 5),
	}, "|")
}

func canonicalAddress(address string) string {
	up := nonAlnum.ReplaceAllString(strings.ToUpper(address), " ")
	words := strings.Fields(up)
	for i, w := range words {
		if abbr, ok := streetSuffix[w]; ok {
			words[i] = abbr
		}
	}
	return strings.Join(words, " ")
}

// violationFingerprint identifies a violation independent of which job saw it.
func violationFingerprint(naturalKey, violationType string, opened *time.Time, caseNumber string) string {
	openedStr := ""
	if opened != nil {
		openedStr = opened.Format("2006-01-02")
	}
	sum := blake2b.Sum256([]byte(strings.Join([]string{
		naturalKey,
		strings.ToUpper(strings.TrimSpace(violationType)),
		openedStr,
		strings.ToUpper(strings.TrimSpace(caseNumber)),
	}, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func firstN(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
