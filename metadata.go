package liveplot

// HandleInfo is the JSON description of a live handle served at /handles.
type HandleInfo struct {
	ID           HandleID `json:"id"`
	SeriesNames  []string `json:"series_names"`
	Length       int      `json:"length"`
	HistoryLimit int      `json:"history_limit,omitempty"`
	Visible      bool     `json:"visible"`
	Options      Options  `json:"options,omitempty"`
}

func NewHandleInfo(handle PlotHandle) HandleInfo {
	return HandleInfo{
		ID:           handle.ID,
		SeriesNames:  seriesNames(handle.Series),
		Length:       handle.Len(),
		HistoryLimit: handle.HistoryLimit,
		Visible:      handle.Visible,
		Options:      handle.Options,
	}
}
