package liveplot

import (
	"fmt"

	"github.com/google/uuid"
)

// HandleID identifies one remote chart for the lifetime of the process.
type HandleID uuid.UUID

func NewHandleID() HandleID {
	return HandleID(uuid.New())
}

func ParseHandleID(s string) (HandleID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return HandleID{}, fmt.Errorf("invalid handle id %q: %w", s, err)
	}
	return HandleID(id), nil
}

func (id HandleID) String() string {
	return uuid.UUID(id).String()
}

func (id HandleID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *HandleID) UnmarshalText(text []byte) error {
	parsed, err := ParseHandleID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Sample is one (x, y) point appended to a series.
type Sample struct {
	X float64
	Y float64
}

// Series is a named sequence of samples stored column-wise.
type Series struct {
	Name string
	X    []float64
	Y    []float64
}

func (s Series) Len() int {
	return len(s.Y)
}

func (s Series) Clone() Series {
	return Series{
		Name: s.Name,
		X:    append([]float64(nil), s.X...),
		Y:    append([]float64(nil), s.Y...),
	}
}

// Aligned builds len(ys) series that share one x sequence, the layout uPlot
// calls aligned data. Missing names are left empty.
func Aligned(x []float64, names []string, ys ...[]float64) []Series {
	series := make([]Series, len(ys))
	for i, y := range ys {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		series[i] = Series{Name: name, X: x, Y: y}
	}
	return series
}

// validateSeries enforces the shape invariants: at least one series, x and y
// of each series match, and every series has the same sample count.
func validateSeries(series []Series) error {
	if len(series) == 0 {
		return shapeErrorf("at least one series is required")
	}

	length := series[0].Len()
	for i, s := range series {
		if len(s.X) != len(s.Y) {
			return shapeErrorf("series %d has %d x values and %d y values", i, len(s.X), len(s.Y))
		}
		if s.Len() != length {
			return shapeErrorf("series %d has %d samples, series 0 has %d", i, s.Len(), length)
		}
	}
	return nil
}

func cloneSeries(series []Series) []Series {
	cloned := make([]Series, len(series))
	for i, s := range series {
		cloned[i] = s.Clone()
	}
	return cloned
}

func seriesNames(series []Series) []string {
	names := make([]string, len(series))
	for i, s := range series {
		names[i] = s.Name
	}
	return names
}

// isAligned reports whether all series carry the same x values, in which case
// the wire encoder writes x only once.
func isAligned(series []Series) bool {
	if len(series) == 0 {
		return false
	}
	x := series[0].X
	for _, s := range series[1:] {
		if len(s.X) != len(x) {
			return false
		}
		for i := range x {
			if s.X[i] != x[i] {
				return false
			}
		}
	}
	return true
}
