package liveplot

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// The pipeline starts with an io.Reader (likely stdin), split into columns by
// a StringReader. TextToRowReader parses the columns into rows, and RowPump
// appends every row to a streaming plot handle.

var errIgnoreThisRow = errors.New("ignore this row")

// When Read is called, return an array of strings which are the columns.
type StringReader interface {
	Read(context.Context) ([]string, error)
}

// Row is one parsed input line: the x value and one y per series.
type Row struct {
	X  float64
	Ys []float64
}

// When Read is called, return the Row.
type RowReader interface {
	Read(context.Context) (Row, error)
	ColumnNames() []string
}

// This implements a StringDataReader and reads an io.Reader using the Golang
// csv module.  This means the input data must strictly conform to CSV data. If
// the input data is not exactly CSV (for example separated by one or more
// spaces), use the RelaxedStringReader.
type CsvStringReader struct {
	input     io.Reader
	csvReader *csv.Reader

	lineCount int
}

func NewCsvStringReader(input io.Reader) *CsvStringReader {
	return &CsvStringReader{
		input:     input,
		csvReader: csv.NewReader(input),
		lineCount: 0,
	}
}

func (r *CsvStringReader) Read(ctx context.Context) ([]string, error) {
	// TODO: context.Cancel
	line, err := r.csvReader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}

	r.lineCount++

	if err != nil {
		logger := logrus.WithFields(logrus.Fields{
			"tag":     "CsvString",
			"line":    line,
			"lineNum": r.lineCount,
		})

		switch err.(type) {
		case *csv.ParseError:
			logger.WithError(err).Debug("unable to parse CSV, ignoring...")
			return nil, errIgnoreThisRow
		default:
			logger.WithError(err).Error("unable to read CSV")
			return nil, err
		}
	}

	return line, nil
}

// This is a more relaxed reader that can split on spaces or commas. However, it does not
// follow string CSV formatting. This is the default.
type RelaxedStringReader struct {
	input   io.Reader
	scanner *bufio.Scanner

	lineCount int
}

func NewRelaxedStringReader(input io.Reader) *RelaxedStringReader {
	return &RelaxedStringReader{
		input:   input,
		scanner: bufio.NewScanner(input),

		lineCount: 0,
	}
}

// Split on either comma or any number of spaces or tabs
var relaxedSplitter = regexp.MustCompile("[ \t]+|,")

func (r *RelaxedStringReader) Read(ctx context.Context) ([]string, error) {
	stillHasData := r.scanner.Scan()
	if !stillHasData {
		return nil, io.EOF
	}

	line := r.scanner.Text()
	err := r.scanner.Err()
	if err != nil {
		logrus.WithField("tag", "RelaxedString").WithError(err).Error("unable to read line")
		return nil, err
	}

	// Return only non-empty lines
	splittedLine := Filter(relaxedSplitter.Split(line, -1), func(value string) bool {
		return len(value) > 0
	})

	return splittedLine, nil
}

// Generates the current unix timestamp in seconds.
func NowXGenerator(line []float64) float64 {
	// Use Micro because we want to preserve the timestamp to at least millisecond
	// accuracy. using time.Now().Unix() will truncate.
	return float64(time.Now().UnixMicro()) / 1000000.0
}

// Creates a RowReader based on text input. Unparsable lines are skipped
// with a warning.
type TextToRowReader struct {
	// The input reader object (either CsvStringReader or RelaxedStringReader)
	Input StringReader

	// The x column index. If this is <0, X is generated via XGenerator.
	XIndex int

	// The generator function. Defaults to NowXGenerator.
	XGenerator func([]float64) float64

	// The labels of the columns excluding the X column.
	Columns []string

	// If the input row has a different length than Columns, ignore the row.
	ExpectExactColumnCount bool
}

func (r *TextToRowReader) Read(ctx context.Context) (Row, error) {
	line, err := r.Input.Read(ctx)
	if err != nil {
		return Row{}, err
	}

	logger := logrus.WithFields(logrus.Fields{
		"tag":  "TextToRow",
		"line": line,
	})

	row := Row{}

	for i, value := range line {
		floatValue, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			logger.Warn("cannot parse float, ignoring...")
			return Row{}, errIgnoreThisRow
		}

		if i == r.XIndex {
			row.X = floatValue
			continue
		}

		row.Ys = append(row.Ys, floatValue)
	}

	if len(row.Ys) == 0 {
		logger.Debug("no y values, ignoring...")
		return Row{}, errIgnoreThisRow
	}

	if r.ExpectExactColumnCount && (len(r.Columns) != len(row.Ys)) {
		logger.Warnf("expected column count (%d) is not observed (%d), ignoring...", len(r.Columns), len(row.Ys))
		return Row{}, errIgnoreThisRow
	}

	if r.XIndex < 0 {
		xGenerator := r.XGenerator
		if xGenerator == nil {
			xGenerator = NowXGenerator
		}

		row.X = xGenerator(row.Ys)
	}

	return row, nil
}

func (r *TextToRowReader) ColumnNames() []string {
	return r.Columns
}

// RowPump appends every row read from Input to one streaming plot handle.
// The handle is created from the first row, so the series count follows
// the input.
type RowPump struct {
	Input        RowReader
	Registry     *Registry
	Options      Options
	HistoryLimit int

	// OnCreate, when set, is called with the handle once it exists.
	OnCreate func(PlotHandle)
}

// Run pumps rows until Input returns io.EOF or ctx is done. It returns the
// number of rows appended. Rows whose column count differs from the first
// row are skipped.
func (p *RowPump) Run(ctx context.Context) (int, error) {
	logger := logrus.WithField("tag", "RowPump")

	var id HandleID
	created := false
	rows := 0

	for {
		if err := ctx.Err(); err != nil {
			return rows, err
		}

		row, err := p.Input.Read(ctx)
		if err == errIgnoreThisRow {
			continue
		} else if err == io.EOF {
			logger.WithField("rows", rows).Info("input ended")
			return rows, nil
		} else if err != nil {
			return rows, err
		}

		if !created {
			handle, err := p.Registry.Create(ctx, p.firstSeries(row), p.Options,
				WithHistoryLimit(p.HistoryLimit), WithDefaultStyles())
			if err != nil {
				return rows, err
			}
			id = handle.ID
			created = true
			rows++
			if p.OnCreate != nil {
				p.OnCreate(handle)
			}
			continue
		}

		samples := make([]Sample, len(row.Ys))
		for i, y := range row.Ys {
			samples[i] = Sample{X: row.X, Y: y}
		}

		if _, err := p.Registry.ExtendData(ctx, id, samples); err != nil {
			if errors.Is(err, ErrShape) {
				logger.WithError(err).Warn("row does not match the plot, ignoring...")
				continue
			}
			return rows, err
		}
		rows++
	}
}

func (p *RowPump) firstSeries(row Row) []Series {
	names := p.Input.ColumnNames()
	series := make([]Series, len(row.Ys))
	for i, y := range row.Ys {
		name := fmt.Sprintf("y%d", i)
		if i < len(names) {
			name = names[i]
		}
		series[i] = Series{Name: name, X: []float64{row.X}, Y: []float64{y}}
	}
	return series
}
