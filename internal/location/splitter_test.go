package location

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/angelmondragon/propwatch-backend/internal/tabular"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/stretchr/testify/require"
)

func table(t *testing.T, csv string) *tabular.Table {
	t.Helper()
	tbl, err := tabular.ReadCSV(strings.NewReader(csv))
	require.NoError(t, err)
	return tbl
}

func groupSizes(res *Result) int {
	n := 0
	for _, g := range res.Groups {
		n += len(g.Rows)
	}
	return n
}

func TestDetectRanksCandidatesAndCollapsesCase(t *testing.T) {
	tbl := table(t, `Property Address,City,State,Violation
1 Oak St,austin,tx,Weeds
2 Oak St,AUSTIN,TX,Junk
3 Elm St,Dallas,TX,Weeds
4 Pine St,,,"Abandoned vehicle"
5 Bay Rd,Travis County,TX,Weeds
`)
	det := NewDetector(nil).Detect(tbl)

	require.Equal(t, []Candidate{
		{City: "Austin", State: "TX", RowCount: 2},
		{City: "Dallas", State: "TX", RowCount: 1},
	}, det.Candidates)
	require.Equal(t, []int{3, 4}, det.Undetected)
}

func TestDetectFallsBackToAddressTail(t *testing.T) {
	tbl := table(t, `address,notes
"12 Oak St, Austin, TX 78701",x
"9 Elm, Tampa FL 33601-1234",y
"77 Nowhere Lane",z
"5 Junk Yard, Abandoned Vehicle, TX",w
`)
	det := NewDetector(nil).Detect(tbl)
	require.Equal(t, Location{City: "Austin", State: "TX"}, det.Rows[0])
	require.Equal(t, Location{City: "Tampa", State: "FL"}, det.Rows[1])
	require.Equal(t, []int{2, 3}, det.Undetected)
}

func TestDetectTieBreaksByKey(t *testing.T) {
	tbl := table(t, "city,state\nWaco,TX\nAustin,TX\n")
	det := NewDetector(nil).Detect(tbl)
	require.Equal(t, "Austin", det.Candidates[0].City)
}

// Three locations, 100 rows, every location detectable.
func TestSplitThreeLocations(t *testing.T) {
	var b strings.Builder
	b.WriteString("address,city,state\n")
	locs := [][2]string{{"Austin", "TX"}, {"Tampa", "FL"}, {"Reno", "NV"}}
	for i := 0; i < 100; i++ {
		l := locs[i%3]
		fmt.Fprintf(&b, "%d Main St,%s,%s\n", i, l[0], l[1])
	}

	res, err := NewSplitter(nil).Split(table(t, b.String()), "", "")
	require.NoError(t, err)
	require.Len(t, res.Groups, 3)
	require.Equal(t, 0, res.SkippedRows)
	require.Equal(t, 100, groupSizes(res))
	require.Equal(t, []string{"Austin|TX", "Reno|NV", "Tampa|FL"}, res.Keys())
}

// 100 rows, 5 without a location and no fallback.
func TestSplitSkipsUndetectedWithoutFallback(t *testing.T) {
	var b strings.Builder
	b.WriteString("address,city,state\n")
	for i := 0; i < 100; i++ {
		if i%20 == 7 {
			fmt.Fprintf(&b, "%d Main St,,\n", i)
			continue
		}
		fmt.Fprintf(&b, "%d Main St,Austin,TX\n", i)
	}

	res, err := NewSplitter(nil).Split(table(t, b.String()), "", "")
	require.NoError(t, err)
	require.Equal(t, 5, res.SkippedRows)
	require.Equal(t, 95, groupSizes(res))
}

func TestSplitUsesFallback(t *testing.T) {
	tbl := table(t, "address,city,state\n1 A St,Austin,TX\n2 B St,,\n3 C St,,\n")

	res, err := NewSplitter(nil).Split(tbl, "el paso", "tx")
	require.NoError(t, err)
	require.Equal(t, 0, res.SkippedRows)
	g := res.Groups["El Paso|TX"]
	require.NotNil(t, g)
	require.Equal(t, []int{1, 2}, g.Rows)
	require.Equal(t, 2, g.FallbackRows)

	// Half a fallback is no fallback.
	res, err = NewSplitter(nil).Split(tbl, "El Paso", "")
	require.NoError(t, err)
	require.Equal(t, 2, res.SkippedRows)
}

func TestSplitValidationErrors(t *testing.T) {
	s := NewSplitter(nil)

	_, err := s.Split(table(t, "address,city,state\n1 A St,,\n"), "", "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = s.Split(table(t, "address,city,state\n1 A St,,\n"), "Austin", "Texas")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = s.Split(&tabular.Table{Header: []string{"a"}}, "", "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestSplitConservesRowsForRandomInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cities := []string{"Austin", "austin", "Tampa", "", "12345", "Travis County", "Reno", "junk car"}
	states := []string{"TX", "tx", "FL", "", "Texas", "NV"}

	for iter := 0; iter < 50; iter++ {
		var b strings.Builder
		b.WriteString("address,city,state\n")
		rows := 1 + rng.Intn(200)
		for i := 0; i < rows; i++ {
			fmt.Fprintf(&b, "%d Main St,%s,%s\n", i, cities[rng.Intn(len(cities))], states[rng.Intn(len(states))])
		}
		tbl := table(t, b.String())
		fbCity, fbState := "", ""
		if iter%2 == 0 {
			fbCity, fbState = "Waco", "TX"
		}

		res, err := NewSplitter(nil).Split(tbl, fbCity, fbState)
		if err != nil {
			require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
			continue
		}
		require.Equal(t, tbl.Len(), res.TotalRows)
		require.Equal(t, res.TotalRows, groupSizes(res)+res.SkippedRows)
	}
}

func TestEncodeGroup(t *testing.T) {
	tbl := table(t, "address,city,state\n1 A St,Austin,TX\n2 B St,Reno,NV\n3 C St,Austin,TX\n")
	res, err := NewSplitter(nil).Split(tbl, "", "")
	require.NoError(t, err)

	out, err := res.EncodeGroup(tbl, "Austin|TX")
	require.NoError(t, err)
	require.Equal(t, "address,city,state\n1 A St,Austin,TX\n3 C St,Austin,TX\n", string(out))

	_, err = res.EncodeGroup(tbl, "Nope|TX")
	require.Error(t, err)
}
