package liveplot

import (
	"fmt"
	"math"
	"reflect"

	"github.com/imdario/mergo"
	"github.com/mohae/deepcopy"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

// Recognized option keys. Everything else is passed to the renderer as is.
const (
	OptionXRange = "xrange"
	OptionYRange = "yrange"
	OptionTime   = "time"
	OptionLegend = "legend"
	OptionTitle  = "title"
	OptionAspect = "aspect"
	OptionSeries = "series"

	SeriesStyleLabel  = "label"
	SeriesStyleStroke = "stroke"
	SeriesStyleWidth  = "width"
	SeriesStyleFill   = "fill"
)

// DefaultAspect is the height/width ratio renderers use when no aspect is set.
const DefaultAspect = 0.6

var defaultStrokes = []string{"red", "green", "blue", "orange", "purple"}

// Options is the per-handle configuration mapping. Patches are merged into
// it key by key; nested maps merge recursively and a nil value removes the
// key.
type Options map[string]any

// Validate checks the value types of recognized keys and reports every bad
// key, not just the first.
func (o Options) Validate() error {
	var errs error
	for key, value := range o {
		if value == nil {
			continue
		}

		var err error
		switch key {
		case OptionXRange, OptionYRange:
			err = validateRange(value)
		case OptionTime, OptionLegend:
			_, err = cast.ToBoolE(value)
		case OptionTitle:
			_, err = cast.ToStringE(value)
		case OptionAspect:
			err = validatePositive(value)
		case OptionSeries:
			err = validateSeriesStyles(value)
		}

		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s: %v", ErrOptions, key, err))
		}
	}
	return errs
}

// Clone returns a deep copy with nested string-keyed maps normalized to
// map[string]any.
func (o Options) Clone() Options {
	if o == nil {
		return Options{}
	}
	cloned, _ := deepcopy.Copy(map[string]any(o)).(map[string]any)
	out := make(Options, len(cloned))
	for key, value := range cloned {
		out[key] = normalizeOptionValue(value)
	}
	return out
}

// Merge returns a new Options with patch applied. The receiver is not
// modified.
func (o Options) Merge(patch Options) (Options, error) {
	merged := o.Clone()
	src := patch.Clone()

	if err := mergo.Merge(&merged, src, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOptions, err)
	}

	for key, value := range patch {
		if value == nil {
			delete(merged, key)
		}
	}
	return merged, nil
}

// Range returns the [lo, hi] pair stored under key, if it is set and valid.
func (o Options) Range(key string) (lo, hi float64, ok bool) {
	value, found := o[key]
	if !found || value == nil || validateRange(value) != nil {
		return 0, 0, false
	}
	pair := reflect.ValueOf(value)
	lo, _ = toNumber(pair.Index(0).Interface())
	hi, _ = toNumber(pair.Index(1).Interface())
	return lo, hi, true
}

// DefaultSeriesStyles builds the style list used when a handle is created
// without one: a fixed stroke palette, width 2 and the series name as label.
func DefaultSeriesStyles(names []string) []any {
	styles := make([]any, len(names))
	for i, name := range names {
		label := name
		if label == "" {
			label = fmt.Sprintf("Series %d", i+1)
		}
		styles[i] = map[string]any{
			SeriesStyleLabel:  label,
			SeriesStyleStroke: defaultStrokes[i%len(defaultStrokes)],
			SeriesStyleWidth:  2.0,
		}
	}
	return styles
}

func toNumber(value any) (float64, error) {
	switch value.(type) {
	case nil, bool:
		return 0, fmt.Errorf("%v (%T) is not a number", value, value)
	}

	f, err := cast.ToFloat64E(value)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not finite", f)
	}
	return f, nil
}

func validatePositive(value any) error {
	f, err := toNumber(value)
	if err != nil {
		return err
	}
	if f <= 0 {
		return fmt.Errorf("%v must be positive", f)
	}
	return nil
}

func validateRange(value any) error {
	pair := reflect.ValueOf(value)
	if pair.Kind() != reflect.Slice && pair.Kind() != reflect.Array {
		return fmt.Errorf("range must be a [lo, hi] pair, got %T", value)
	}
	if pair.Len() != 2 {
		return fmt.Errorf("range must have 2 elements, got %d", pair.Len())
	}

	lo, err := toNumber(pair.Index(0).Interface())
	if err != nil {
		return fmt.Errorf("lower bound: %w", err)
	}
	hi, err := toNumber(pair.Index(1).Interface())
	if err != nil {
		return fmt.Errorf("upper bound: %w", err)
	}
	if lo >= hi {
		return fmt.Errorf("lower bound %v must be less than upper bound %v", lo, hi)
	}
	return nil
}

func validateSeriesStyles(value any) error {
	list := reflect.ValueOf(value)
	if list.Kind() != reflect.Slice && list.Kind() != reflect.Array {
		return fmt.Errorf("series styles must be a list, got %T", value)
	}

	var errs error
	for i := 0; i < list.Len(); i++ {
		style, err := cast.ToStringMapE(normalizeOptionValue(list.Index(i).Interface()))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("style %d: %v", i, err))
			continue
		}

		for _, key := range []string{SeriesStyleLabel, SeriesStyleStroke, SeriesStyleFill} {
			if v, ok := style[key]; ok && v != nil {
				if _, err := cast.ToStringE(v); err != nil {
					errs = multierr.Append(errs, fmt.Errorf("style %d %s: %v", i, key, err))
				}
			}
		}
		if v, ok := style[SeriesStyleWidth]; ok && v != nil {
			if err := validatePositive(v); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("style %d %s: %v", i, SeriesStyleWidth, err))
			}
		}
	}
	return errs
}

func normalizeOptionValue(value any) any {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return value
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalizeOptionValue(iter.Value().Interface())
		}
		return out
	case reflect.Slice:
		if elems, ok := value.([]any); ok {
			for i, elem := range elems {
				elems[i] = normalizeOptionValue(elem)
			}
		}
		return value
	default:
		return value
	}
}
