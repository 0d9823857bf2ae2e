package liveplot

import (
	"context"
	"fmt"
	"sync"
)

// Mirror is an in-memory RemoteSurface that applies update messages exactly
// as a renderer would: extends append then trim from the left, patches merge.
// The websocket broadcaster keeps one to replay the delivered state to newly
// connected clients, and the wire reader uses one to rebuild charts.
//
// All methods are safe for concurrent use.
type Mirror struct {
	mutex   sync.Mutex
	handles map[HandleID]*PlotHandle
	order   []HandleID
}

func NewMirror() *Mirror {
	return &Mirror{
		handles: make(map[HandleID]*PlotHandle),
	}
}

func (m *Mirror) Apply(ctx context.Context, msg UpdateMessage) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.applyLocked(msg)
}

func (m *Mirror) applyLocked(msg UpdateMessage) error {
	if msg.Kind == KindCreate {
		if _, exists := m.handles[msg.ID]; exists {
			return fmt.Errorf("mirror: handle %s already exists", msg.ID)
		}
		visible := true
		if msg.Visible != nil {
			visible = *msg.Visible
		}
		m.handles[msg.ID] = &PlotHandle{
			ID:           msg.ID,
			Series:       cloneSeries(msg.Series),
			Options:      msg.Options.Clone(),
			HistoryLimit: msg.HistoryLimit,
			Visible:      visible,
		}
		m.order = append(m.order, msg.ID)
		return nil
	}

	handle, ok := m.handles[msg.ID]
	if !ok {
		if msg.Kind == KindRemove {
			return nil
		}
		return fmt.Errorf("mirror: %w: %s", ErrNotFound, msg.ID)
	}

	switch msg.Kind {
	case KindReplaceData:
		if len(msg.Series) != len(handle.Series) {
			return shapeErrorf("mirror: replace has %d series, handle has %d", len(msg.Series), len(handle.Series))
		}
		series := cloneSeries(msg.Series)
		for i := range series {
			series[i].Name = handle.Series[i].Name
		}
		handle.Series = series

	case KindExtendData:
		extended, err := extendSeries(handle.Series, msg.Samples, msg.HistoryLimit)
		if err != nil {
			return err
		}
		handle.Series = extended

	case KindPatchOptions:
		if msg.Options != nil {
			merged, err := handle.Options.Merge(msg.Options)
			if err != nil {
				return err
			}
			handle.Options = merged
		}
		if msg.Visible != nil {
			handle.Visible = *msg.Visible
		}

	case KindRemove:
		delete(m.handles, msg.ID)
		m.order = Filter(m.order, func(id HandleID) bool {
			return id != msg.ID
		})

	default:
		return fmt.Errorf("mirror: unknown message kind %v", msg.Kind)
	}
	return nil
}

// Handle returns a copy of the mirrored state of one handle.
func (m *Mirror) Handle(id HandleID) (PlotHandle, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	handle, ok := m.handles[id]
	if !ok {
		return PlotHandle{}, false
	}
	return handle.clone(), true
}

// Handles returns copies of every mirrored handle in creation order.
func (m *Mirror) Handles() []PlotHandle {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	handles := make([]PlotHandle, 0, len(m.order))
	for _, id := range m.order {
		handles = append(handles, m.handles[id].clone())
	}
	return handles
}

// Snapshot describes the mirrored state as one Create per handle, in
// creation order. Applying it to an empty surface reproduces the mirror.
func (m *Mirror) Snapshot() []UpdateMessage {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	msgs := make([]UpdateMessage, 0, len(m.order))
	for _, id := range m.order {
		msgs = append(msgs, m.handles[id].createMessage())
	}
	return msgs
}
