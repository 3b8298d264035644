package location

import (
	"sort"
	"strings"

	"github.com/angelmondragon/propwatch-backend/internal/tabular"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
)

// Group is the subset of rows belonging to one jurisdiction.
type Group struct {
	Key   string
	City  string
	State string
	// Rows are indices into the source table, ascending.
	Rows []int
	// FallbackRows counts rows placed here only because of the caller's fallback.
	FallbackRows int
}

// Result satisfies sum(len(g.Rows)) + SkippedRows == TotalRows.
type Result struct {
	Groups      map[string]*Group
	SkippedRows int
	TotalRows   int
	Candidates  []Candidate
}

// Keys returns group keys in ascending order.
func (r *Result) Keys() []string {
	keys := make([]string, 0, len(r.Groups))
	for k := range r.Groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Splitter partitions a table into per-location groups.
type Splitter struct {
	detector *Detector
}

func NewSplitter(d *Detector) *Splitter {
	if d == nil {
		d = NewDetector(nil)
	}
	return &Splitter{detector: d}
}

// Split groups rows by detected location. Rows without one use the fallback
// when both fallback parts are given, otherwise they are skipped. A table
// where no row can be placed is a validation error.
func (s *Splitter) Split(t *tabular.Table, fallbackCity, fallbackState string) (*Result, error) {
	if t == nil || t.Len() == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "spreadsheet has no data rows")
	}
	fallback, err := s.fallback(fallbackCity, fallbackState)
	if err != nil {
		return nil, err
	}

	det := s.detector.Detect(t)
	res := &Result{
		Groups:     make(map[string]*Group),
		TotalRows:  t.Len(),
		Candidates: det.Candidates,
	}
	for i, loc := range det.Rows {
		viaFallback := false
		if loc.IsZero() {
			if fallback.IsZero() {
				res.SkippedRows++
				continue
			}
			loc = fallback
			viaFallback = true
		}
		g, ok := res.Groups[loc.Key()]
		if !ok {
			g = &Group{Key: loc.Key(), City: loc.City, State: loc.State}
			res.Groups[g.Key] = g
		}
		g.Rows = append(g.Rows, i)
		if viaFallback {
			g.FallbackRows++
		}
	}

	if len(res.Groups) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "no location detectable and no fallback location given").
			WithDetails(map[string]any{"total_rows": res.TotalRows})
	}
	return res, nil
}

func (s *Splitter) fallback(city, state string) (Location, error) {
	city, state = strings.TrimSpace(city), strings.TrimSpace(state)
	if city == "" || state == "" {
		return Location{}, nil
	}
	normCity, ok := s.detector.ValidCity(city)
	if !ok {
		return Location{}, pkgerrors.New(pkgerrors.CodeValidation, "fallback city is not a valid city name")
	}
	normState := NormalizeState(state)
	if normState == "" {
		return Location{}, pkgerrors.New(pkgerrors.CodeValidation, "fallback state must be a two-letter US state code")
	}
	return Location{City: normCity, State: normState}, nil
}

// EncodeGroup renders a group back to CSV (header plus its rows).
func (r *Result) EncodeGroup(t *tabular.Table, key string) ([]byte, error) {
	g, ok := r.Groups[key]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "unknown location group")
	}
	return t.EncodeCSV(g.Rows)
}
