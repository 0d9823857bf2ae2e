package liveplot

import "fmt"

// DataUpdate is a data mutation request for one handle. Exactly one of the
// fields must be set: Series replaces the whole data set, Samples appends one
// trailing sample to each series (Samples[i] goes to series i).
type DataUpdate struct {
	Series  []Series
	Samples []Sample
}

// classifyUpdate picks the smallest message that takes the handle from its
// current state to the requested one, and returns the series the registry
// should store afterwards.
//
// Handles without a history limit only ever get ReplaceData. Streaming
// handles get ExtendData for one sample per series and ReplaceData when a
// full set is supplied; the history limit is left as configured either way.
func classifyUpdate(current *PlotHandle, update DataUpdate) (UpdateMessage, []Series, error) {
	hasSeries := update.Series != nil
	hasSamples := update.Samples != nil

	switch {
	case hasSeries && hasSamples:
		return UpdateMessage{}, nil, fmt.Errorf("%w: both a full data set and incremental samples were given", ErrAmbiguousUpdate)
	case hasSeries:
		return classifyReplace(current, update.Series)
	case hasSamples:
		return classifyExtend(current, update.Samples)
	default:
		return UpdateMessage{}, nil, shapeErrorf("update carries no data")
	}
}

func classifyReplace(current *PlotHandle, series []Series) (UpdateMessage, []Series, error) {
	if err := validateSeries(series); err != nil {
		return UpdateMessage{}, nil, err
	}
	if len(series) != len(current.Series) {
		return UpdateMessage{}, nil, shapeErrorf("handle has %d series, replacement has %d", len(current.Series), len(series))
	}

	next := cloneSeries(series)
	for i := range next {
		next[i].Name = current.Series[i].Name
	}

	msg := UpdateMessage{
		Kind:   KindReplaceData,
		ID:     current.ID,
		Series: cloneSeries(next),
	}
	return msg, next, nil
}

func classifyExtend(current *PlotHandle, samples []Sample) (UpdateMessage, []Series, error) {
	if current.HistoryLimit == 0 {
		return UpdateMessage{}, nil, configErrorf("handle %s has no history limit; use a full replace", current.ID)
	}
	if len(samples) != len(current.Series) {
		return UpdateMessage{}, nil, shapeErrorf("got %d samples, handle has %d series", len(samples), len(current.Series))
	}

	perSeries := make([][]Sample, len(samples))
	for i, sample := range samples {
		perSeries[i] = []Sample{sample}
	}

	next, err := extendSeries(current.Series, perSeries, current.HistoryLimit)
	if err != nil {
		return UpdateMessage{}, nil, err
	}

	msg := UpdateMessage{
		Kind:         KindExtendData,
		ID:           current.ID,
		Samples:      perSeries,
		HistoryLimit: current.HistoryLimit,
	}
	return msg, next, nil
}

// coalesce merges a newer data message into an older pending one for the
// same handle so that applying the result equals applying both in order.
// ok is false when the pair cannot be merged.
func coalesce(older, newer UpdateMessage) (merged UpdateMessage, ok bool) {
	if !older.Kind.isData() || !newer.Kind.isData() || older.ID != newer.ID {
		return UpdateMessage{}, false
	}

	switch {
	case newer.Kind == KindReplaceData:
		return newer, true

	case older.Kind == KindReplaceData && newer.Kind == KindExtendData:
		series, err := extendSeries(older.Series, newer.Samples, newer.HistoryLimit)
		if err != nil {
			return UpdateMessage{}, false
		}
		merged = older
		merged.Series = series
		return merged, true

	case older.Kind == KindExtendData && newer.Kind == KindExtendData:
		if len(older.Samples) != len(newer.Samples) {
			return UpdateMessage{}, false
		}
		samples := make([][]Sample, len(newer.Samples))
		for i := range newer.Samples {
			combined, err := AppendManyAndTrim(older.Samples[i], newer.Samples[i], newer.HistoryLimit)
			if err != nil {
				return UpdateMessage{}, false
			}
			samples[i] = combined
		}
		merged = newer
		merged.Samples = samples
		return merged, true
	}
	return UpdateMessage{}, false
}
