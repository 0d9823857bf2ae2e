package liveplot

// AppendAndTrim appends sample to the right end of values and drops from the
// left until at most limit elements remain. The input slice is never
// modified; the result is a fresh slice so callers can hand it to other
// goroutines.
func AppendAndTrim[T any](values []T, sample T, limit int) ([]T, error) {
	return AppendManyAndTrim(values, []T{sample}, limit)
}

// AppendManyAndTrim is AppendAndTrim for a batch of samples, used when
// several extends have been coalesced into one.
func AppendManyAndTrim[T any](values []T, samples []T, limit int) ([]T, error) {
	if limit <= 0 {
		return nil, configErrorf("history limit must be positive, got %d", limit)
	}

	total := len(values) + len(samples)
	drop := Max(total-limit, 0)
	out := make([]T, 0, Min(total, limit))

	if drop < len(values) {
		out = append(out, values[drop:]...)
		out = append(out, samples...)
	} else {
		out = append(out, samples[drop-len(values):]...)
	}
	return out, nil
}

// AppendAndTrimSeries applies the history policy to the x and y columns of a
// series together so they stay the same length.
func AppendAndTrimSeries(s Series, samples []Sample, limit int) (Series, error) {
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, sample := range samples {
		xs[i] = sample.X
		ys[i] = sample.Y
	}

	x, err := AppendManyAndTrim(s.X, xs, limit)
	if err != nil {
		return Series{}, err
	}
	y, err := AppendManyAndTrim(s.Y, ys, limit)
	if err != nil {
		return Series{}, err
	}

	return Series{Name: s.Name, X: x, Y: y}, nil
}

// extendSeries applies one extend step (samples[i] goes to series i) to every
// series and returns the new set. Nothing is returned on error.
func extendSeries(series []Series, samples [][]Sample, limit int) ([]Series, error) {
	if len(samples) != len(series) {
		return nil, shapeErrorf("got samples for %d series, handle has %d", len(samples), len(series))
	}

	extended := make([]Series, len(series))
	for i, s := range series {
		next, err := AppendAndTrimSeries(s, samples[i], limit)
		if err != nil {
			return nil, err
		}
		extended[i] = next
	}
	return extended, nil
}
