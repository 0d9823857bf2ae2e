package liveplot

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"
)

// errReader simulates an io.Reader that returns an error on Read.
type errReader struct{ err error }

func (e *errReader) Read(p []byte) (int, error) { return 0, e.err }

// readAllLines drains a StringReader until io.EOF.
func readAllLines(t *testing.T, r StringReader) [][]string {
	t.Helper()
	var lines [][]string
	for {
		line, err := r.Read(context.Background())
		if err == io.EOF {
			return lines
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		lines = append(lines, line)
	}
}

func TestCsvStringReader(t *testing.T) {
	t.Run("Read_SuccessAndEOF", func(t *testing.T) {
		got := readAllLines(t, NewCsvStringReader(strings.NewReader("1,2,3\n4,5,6\n")))
		want := [][]string{{"1", "2", "3"}, {"4", "5", "6"}}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("unexpected fields: got %v want %v", got, want)
		}
	})

	t.Run("Read_ParseError_Ignored", func(t *testing.T) {
		// unmatched quote produces a csv.ParseError
		r := NewCsvStringReader(strings.NewReader("a,\"b"))
		_, err := r.Read(context.Background())
		if err != errIgnoreThisRow {
			t.Fatalf("expected errIgnoreThisRow, got %v", err)
		}
	})

	t.Run("Read_UnderlyingError", func(t *testing.T) {
		underlying := errors.New("boom")
		r := NewCsvStringReader(&errReader{err: underlying})
		_, err := r.Read(context.Background())
		if !errors.Is(err, underlying) {
			t.Fatalf("expected underlying error %v, got %v", underlying, err)
		}
	})
}

func TestRelaxedStringReader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  [][]string
	}{
		{name: "Spaces", input: "1 2 3\n4 5 6\n", want: [][]string{{"1", "2", "3"}, {"4", "5", "6"}}},
		{name: "Tabs", input: "1\t2\t3\n7\t8\t9\n", want: [][]string{{"1", "2", "3"}, {"7", "8", "9"}}},
		{name: "MultipleSpacesAndTabs", input: "1  \t\t  2    3\n", want: [][]string{{"1", "2", "3"}}},
		{name: "Commas", input: "1,2,3\n", want: [][]string{{"1", "2", "3"}}},
		{name: "MixedSeparators", input: " 1,\t2  ,  3\t\n4 , 5\t,6\n", want: [][]string{{"1", "2", "3"}, {"4", "5", "6"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readAllLines(t, NewRelaxedStringReader(strings.NewReader(tt.input)))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("unexpected split: got %v want %v", got, tt.want)
			}
		})
	}
}

// fakeStringReader helps simulate different StringReader behaviors.
type fakeStringReader struct {
	outputs [][]string
	errs    []error
	idx     int
}

func (f *fakeStringReader) Read(ctx context.Context) ([]string, error) {
	if f.idx >= len(f.outputs) {
		return nil, io.EOF
	}
	out := f.outputs[f.idx]
	err := f.errs[f.idx]
	f.idx++
	return out, err
}

func TestTextToRowReader(t *testing.T) {
	t.Run("XIndex", func(t *testing.T) {
		tests := []struct {
			input  string
			xIndex int
			wantX  float64
			wantYs []float64
		}{
			{input: "100,1,2,3\n", xIndex: 0, wantX: 100, wantYs: []float64{1, 2, 3}},
			{input: "1 2 3 4\n", xIndex: 2, wantX: 3, wantYs: []float64{1, 2, 4}},
		}
		for _, tt := range tests {
			r := &TextToRowReader{Input: NewRelaxedStringReader(strings.NewReader(tt.input)), XIndex: tt.xIndex}
			row, err := r.Read(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if row.X != tt.wantX || !reflect.DeepEqual(row.Ys, tt.wantYs) {
				t.Fatalf("unexpected row: got %+v want X=%v Ys=%v", row, tt.wantX, tt.wantYs)
			}
		}
	})

	t.Run("GeneratedX", func(t *testing.T) {
		r := &TextToRowReader{Input: NewRelaxedStringReader(strings.NewReader("1 2 3\n")), XIndex: -1}

		before := time.Now().UnixMicro()
		row, err := r.Read(context.Background())
		after := time.Now().UnixMicro()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(row.Ys) != 3 {
			t.Fatalf("unexpected Ys length: got %d want %d", len(row.Ys), 3)
		}
		xMicro := int64(row.X * 1000000.0)
		if xMicro < before || xMicro > after {
			t.Fatalf("generated X out of expected range: %v not in [%v,%v]", xMicro, before, after)
		}
	})

	t.Run("Ignored", func(t *testing.T) {
		tests := []struct {
			name string
			r    *TextToRowReader
		}{
			{
				name: "non-float x",
				r:    &TextToRowReader{Input: NewRelaxedStringReader(strings.NewReader("abc,1,2\n"))},
			},
			{
				name: "non-float y",
				r:    &TextToRowReader{Input: NewCsvStringReader(strings.NewReader("1,2,abc\n"))},
			},
			{
				name: "x only",
				r:    &TextToRowReader{Input: NewCsvStringReader(strings.NewReader("1\n"))},
			},
			{
				name: "column count mismatch",
				r: &TextToRowReader{
					Input:                  NewCsvStringReader(strings.NewReader("10,1,2,3\n")),
					Columns:                []string{"a", "b"},
					ExpectExactColumnCount: true,
				},
			},
			{
				name: "input error propagated",
				r: &TextToRowReader{
					Input: &fakeStringReader{outputs: [][]string{{"1", "2"}}, errs: []error{errIgnoreThisRow}},
				},
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := tt.r.Read(context.Background())
				if err != errIgnoreThisRow {
					t.Fatalf("expected errIgnoreThisRow, got %v", err)
				}
			})
		}
	})

	t.Run("EOFPropagation", func(t *testing.T) {
		r := &TextToRowReader{Input: &fakeStringReader{}}
		_, err := r.Read(context.Background())
		if err != io.EOF {
			t.Fatalf("expected io.EOF propagated, got %v", err)
		}
	})
}

func TestRowPump(t *testing.T) {
	ctx := context.Background()
	mirror := NewMirror()
	registry := NewRegistry(NewUpdateChannel(mirror, ChannelConfig{}))
	defer registry.Close()

	input := "0,1,10\n1,2,20\nbad line\n2,3\n3,4,40\n4,5,50\n"
	var handle PlotHandle
	pump := &RowPump{
		Input: &TextToRowReader{
			Input:   NewRelaxedStringReader(strings.NewReader(input)),
			Columns: []string{"a", "b"},
		},
		Registry:     registry,
		HistoryLimit: 3,
		OnCreate:     func(h PlotHandle) { handle = h },
	}

	rows, err := pump.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// "bad line" is not parsed and "2,3" has one y column too few.
	if rows != 4 {
		t.Fatalf("rows = %d, want 4", rows)
	}
	if err := registry.Sync(ctx, handle.ID); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	got, ok := mirror.Handle(handle.ID)
	if !ok {
		t.Fatal("handle missing from mirror")
	}
	want := []Series{
		{Name: "a", X: []float64{1, 3, 4}, Y: []float64{2, 4, 5}},
		{Name: "b", X: []float64{1, 3, 4}, Y: []float64{20, 40, 50}},
	}
	if !reflect.DeepEqual(got.Series, want) {
		t.Fatalf("mirror series = %+v, want %+v", got.Series, want)
	}
	if got.HistoryLimit != 3 {
		t.Fatalf("HistoryLimit = %d, want 3", got.HistoryLimit)
	}
	if _, ok := got.Options[OptionSeries]; !ok {
		t.Fatal("default series styles were not applied")
	}
}
