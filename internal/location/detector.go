// Package location detects (city, state) jurisdictions in uploaded
// spreadsheets and splits rows into per-jurisdiction groups.
package location

import (
	"regexp"
	"sort"
	"strings"

	"github.com/angelmondragon/propwatch-backend/internal/tabular"
)

var (
	cityAliases    = []string{"city", "city name", "property city", "situs city", "site city", "municipality", "town", "prop city"}
	stateAliases   = []string{"state", "st", "state code", "property state", "situs state", "site state", "prop state"}
	addressAliases = []string{"address", "property address", "street address", "situs address", "site address", "full address", "location", "addr", "prop address"}

	// "..., City, ST 12345" or "..., City ST 12345-6789"
	addressTail = regexp.MustCompile(`,\s*([^,]+?)\s*,?\s+([A-Za-z]{2})\.?(?:\s+\d{5}(?:-\d{4})?)?\s*$`)
)

// Location is a normalized jurisdiction.
type Location struct {
	City  string
	State string
}

func (l Location) Key() string { return Key(l.City, l.State) }

func (l Location) IsZero() bool { return l.City == "" || l.State == "" }

// Candidate is a detected location with the number of rows that resolved to it.
type Candidate struct {
	City     string `json:"city"`
	State    string `json:"state"`
	RowCount int    `json:"row_count"`
}

// Detection holds per-row locations (zero Location when undetected) and ranked candidates.
type Detection struct {
	Rows       []Location
	Candidates []Candidate
	Undetected []int
}

// Columns records which header columns the detector resolved.
type Columns struct {
	City    int
	State   int
	Address int
}

type Detector struct {
	validator *Validator
}

func NewDetector(v *Validator) *Detector {
	if v == nil {
		v = NewDefaultValidator()
	}
	return &Detector{validator: v}
}

// Columns resolves city, state and address columns by header alias; -1 when absent.
func (d *Detector) Columns(t *tabular.Table) Columns {
	return Columns{
		City:    findColumn(t.Header, cityAliases),
		State:   findColumn(t.Header, stateAliases),
		Address: findColumn(t.Header, addressAliases),
	}
}

// Detect resolves a location for every row and ranks candidates by row count,
// ties broken by key.
func (d *Detector) Detect(t *tabular.Table) Detection {
	cols := d.Columns(t)
	out := Detection{Rows: make([]Location, t.Len())}
	counts := make(map[string]int)

	for i, row := range t.Rows {
		loc := d.detectRow(row, cols)
		if loc.IsZero() {
			out.Undetected = append(out.Undetected, i)
			continue
		}
		out.Rows[i] = loc
		counts[loc.Key()]++
	}

	out.Candidates = make([]Candidate, 0, len(counts))
	for key, n := range counts {
		city, state := SplitKey(key)
		out.Candidates = append(out.Candidates, Candidate{City: city, State: state, RowCount: n})
	}
	sort.Slice(out.Candidates, func(i, j int) bool {
		a, b := out.Candidates[i], out.Candidates[j]
		if a.RowCount != b.RowCount {
			return a.RowCount > b.RowCount
		}
		return Key(a.City, a.State) < Key(b.City, b.State)
	})
	return out
}

func (d *Detector) detectRow(row []string, cols Columns) Location {
	var city, state string
	if cols.City >= 0 {
		city = d.city(row[cols.City])
	}
	if cols.State >= 0 {
		state = NormalizeState(row[cols.State])
	}
	if (city == "" || state == "") && cols.Address >= 0 {
		tailCity, tailState := d.parseAddressTail(row[cols.Address])
		if city == "" {
			city = tailCity
		}
		if state == "" {
			state = tailState
		}
	}
	if city == "" || state == "" {
		return Location{}
	}
	return Location{City: city, State: state}
}

// ValidCity normalizes raw and reports whether it passes the validator.
func (d *Detector) ValidCity(raw string) (string, bool) {
	c := d.city(raw)
	return c, c != ""
}

func (d *Detector) city(raw string) string {
	raw = collapseSpaces(raw)
	if raw == "" || !d.validator.Valid(raw) {
		return ""
	}
	return NormalizeCity(raw)
}

func (d *Detector) parseAddressTail(address string) (string, string) {
	m := addressTail.FindStringSubmatch(collapseSpaces(address))
	if m == nil {
		return "", ""
	}
	return d.city(m[1]), NormalizeState(m[2])
}

func findColumn(header []string, aliases []string) int {
	for _, alias := range aliases {
		for i, h := range header {
			if strings.EqualFold(normalizeHeaderName(h), alias) {
				return i
			}
		}
	}
	return -1
}

func normalizeHeaderName(h string) string {
	h = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(strings.ToLower(h))
	return collapseSpaces(h)
}
