package liveplot

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// PlotHandle is a snapshot of one remote chart's server-side state.
type PlotHandle struct {
	ID      HandleID
	Series  []Series
	Options Options

	// HistoryLimit bounds the samples kept per series in streaming mode.
	// Zero means full-replace mode.
	HistoryLimit int

	Visible bool
}

// Len is the number of samples in every series.
func (h PlotHandle) Len() int {
	if len(h.Series) == 0 {
		return 0
	}
	return h.Series[0].Len()
}

func (h *PlotHandle) clone() PlotHandle {
	return PlotHandle{
		ID:           h.ID,
		Series:       cloneSeries(h.Series),
		Options:      h.Options.Clone(),
		HistoryLimit: h.HistoryLimit,
		Visible:      h.Visible,
	}
}

func (h *PlotHandle) createMessage() UpdateMessage {
	return UpdateMessage{
		Kind:         KindCreate,
		ID:           h.ID,
		Series:       cloneSeries(h.Series),
		Options:      h.Options.Clone(),
		HistoryLimit: h.HistoryLimit,
		Visible:      boolPtr(h.Visible),
	}
}

type createConfig struct {
	historyLimit  int
	visible       bool
	defaultStyles bool
}

type CreateOption func(*createConfig) error

// WithHistoryLimit puts the handle in streaming mode, keeping at most limit
// samples per series. The limit cannot be changed later.
func WithHistoryLimit(limit int) CreateOption {
	return func(c *createConfig) error {
		if limit <= 0 {
			return configErrorf("history limit must be positive, got %d", limit)
		}
		c.historyLimit = limit
		return nil
	}
}

func WithVisible(visible bool) CreateOption {
	return func(c *createConfig) error {
		c.visible = visible
		return nil
	}
}

// WithDefaultStyles fills in the series styles option with the default
// palette when the caller did not provide one.
func WithDefaultStyles() CreateOption {
	return func(c *createConfig) error {
		c.defaultStyles = true
		return nil
	}
}

type entry struct {
	mutex   sync.Mutex
	handle  PlotHandle
	seq     uint64
	removed bool
}

// Registry owns the live plot handles. Mutations of one handle are
// serialized by that handle's lock and enqueued on the UpdateChannel while
// the lock is held, so the order in which state changes is the order in
// which the surface sees them.
type Registry struct {
	channel *UpdateChannel

	mutex   sync.RWMutex
	entries map[HandleID]*entry
	nextSeq uint64

	logger logrus.FieldLogger
}

func NewRegistry(channel *UpdateChannel) *Registry {
	return &Registry{
		channel: channel,
		entries: make(map[HandleID]*entry),
		logger:  logrus.WithField("tag", "Registry"),
	}
}

// Create registers a new handle and emits a Create message.
func (r *Registry) Create(ctx context.Context, series []Series, options Options, opts ...CreateOption) (PlotHandle, error) {
	config := createConfig{visible: true}
	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return PlotHandle{}, err
		}
	}

	if err := validateSeries(series); err != nil {
		return PlotHandle{}, err
	}

	stored := options.Clone()
	if err := stored.Validate(); err != nil {
		return PlotHandle{}, err
	}
	if _, ok := stored[OptionSeries]; !ok && config.defaultStyles {
		stored[OptionSeries] = DefaultSeriesStyles(seriesNames(series))
	}

	e := &entry{
		handle: PlotHandle{
			ID:           NewHandleID(),
			Series:       cloneSeries(series),
			Options:      stored,
			HistoryLimit: config.historyLimit,
			Visible:      config.visible,
		},
	}

	// Nobody else knows the id yet, so the entry is only published once the
	// Create message is queued.
	if _, err := r.channel.Enqueue(ctx, e.handle.createMessage()); err != nil {
		return PlotHandle{}, err
	}

	r.mutex.Lock()
	r.nextSeq++
	e.seq = r.nextSeq
	r.entries[e.handle.ID] = e
	r.mutex.Unlock()

	r.logger.WithFields(logrus.Fields{
		"id":           e.handle.ID,
		"series":       len(series),
		"length":       e.handle.Len(),
		"historyLimit": e.handle.HistoryLimit,
	}).Debug("created plot handle")

	return e.handle.clone(), nil
}

// Get returns a snapshot of a live handle.
func (r *Registry) Get(id HandleID) (PlotHandle, error) {
	e, err := r.lockLive(id)
	if err != nil {
		return PlotHandle{}, err
	}
	defer e.mutex.Unlock()

	return e.handle.clone(), nil
}

// Remove destroys a handle and emits a Remove message. Removing an already
// removed handle is a no-op; only ids that never existed are an error.
func (r *Registry) Remove(ctx context.Context, id HandleID) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.removed {
		return nil
	}

	if _, err := r.channel.Enqueue(ctx, UpdateMessage{Kind: KindRemove, ID: id}); err != nil {
		return err
	}

	e.removed = true
	e.handle = PlotHandle{ID: id}

	r.logger.WithField("id", id).Debug("removed plot handle")
	return nil
}

// SetVisible toggles the display flag and emits a PatchOptions message.
func (r *Registry) SetVisible(ctx context.Context, id HandleID, visible bool) error {
	e, err := r.lockMutable(id)
	if err != nil {
		return err
	}
	defer e.mutex.Unlock()

	msg := UpdateMessage{Kind: KindPatchOptions, ID: id, Visible: boolPtr(visible)}
	if _, err := r.channel.Enqueue(ctx, msg); err != nil {
		return err
	}

	e.handle.Visible = visible
	return nil
}

// PatchOptions merges partial into the handle's options and emits a
// PatchOptions message carrying only partial. Invalid values leave the
// stored options untouched.
func (r *Registry) PatchOptions(ctx context.Context, id HandleID, partial Options) error {
	if err := partial.Clone().Validate(); err != nil {
		return err
	}

	e, err := r.lockMutable(id)
	if err != nil {
		return err
	}
	defer e.mutex.Unlock()

	if len(partial) == 0 {
		return nil
	}

	merged, err := e.handle.Options.Merge(partial)
	if err != nil {
		return err
	}
	if err := merged.Validate(); err != nil {
		return err
	}

	msg := UpdateMessage{Kind: KindPatchOptions, ID: id, Options: partial.Clone()}
	if _, err := r.channel.Enqueue(ctx, msg); err != nil {
		return err
	}

	e.handle.Options = merged
	return nil
}

// ReplaceData overwrites every series of the handle. The series count must
// match the one the handle was created with; lengths may change.
func (r *Registry) ReplaceData(ctx context.Context, id HandleID, series []Series) (*Delivery, error) {
	if series == nil {
		series = []Series{}
	}
	return r.Update(ctx, id, DataUpdate{Series: series})
}

// ExtendData appends samples[i] to series i of a streaming handle, trimming
// each series to the handle's history limit.
func (r *Registry) ExtendData(ctx context.Context, id HandleID, samples []Sample) (*Delivery, error) {
	if samples == nil {
		samples = []Sample{}
	}
	return r.Update(ctx, id, DataUpdate{Samples: samples})
}

// Update applies a data mutation, choosing between ReplaceData and
// ExtendData. The returned Delivery may be ignored; Wait on it to block until
// the surface has applied the change.
func (r *Registry) Update(ctx context.Context, id HandleID, update DataUpdate) (*Delivery, error) {
	e, err := r.lockMutable(id)
	if err != nil {
		return nil, err
	}
	defer e.mutex.Unlock()

	return r.updateLocked(ctx, e, update)
}

func (r *Registry) updateLocked(ctx context.Context, e *entry, update DataUpdate) (*Delivery, error) {
	msg, next, err := classifyUpdate(&e.handle, update)
	if err != nil {
		return nil, err
	}

	// A cancelled delivery left the surface behind; resend everything.
	stale := r.channel.takeStale(e.handle.ID)
	if stale && msg.Kind == KindExtendData {
		msg = UpdateMessage{Kind: KindReplaceData, ID: e.handle.ID, Series: cloneSeries(next)}
	}

	d, err := r.channel.Enqueue(ctx, msg)
	if err != nil {
		if stale {
			r.channel.markStale(e.handle.ID)
		}
		return nil, err
	}

	e.handle.Series = next
	return d, nil
}

// ExtendMany extends several streaming handles with one call. Every handle
// is validated before anything is queued; if any handle is unknown or the
// samples do not fit, nothing is sent.
func (r *Registry) ExtendMany(ctx context.Context, samples map[HandleID][]Sample) ([]*Delivery, error) {
	ids := make([]HandleID, 0, len(samples))
	for id := range samples {
		ids = append(ids, id)
	}
	// Fixed lock order so two concurrent batches cannot deadlock.
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	locked := make([]*entry, 0, len(ids))
	defer func() {
		for _, e := range locked {
			e.mutex.Unlock()
		}
	}()

	msgs := make([]UpdateMessage, len(ids))
	nexts := make([][]Series, len(ids))
	for i, id := range ids {
		e, err := r.lockMutable(id)
		if err != nil {
			return nil, err
		}
		locked = append(locked, e)

		msg, next, err := classifyUpdate(&e.handle, DataUpdate{Samples: samples[id]})
		if err != nil {
			return nil, fmt.Errorf("handle %s: %w", id, err)
		}
		if msg.Kind != KindExtendData {
			return nil, shapeErrorf("handle %s: batch extend needs one sample per series", id)
		}
		msgs[i] = msg
		nexts[i] = next
	}

	deliveries := make([]*Delivery, 0, len(ids))
	for i, e := range locked {
		msg := msgs[i]
		stale := r.channel.takeStale(ids[i])
		if stale {
			msg = UpdateMessage{Kind: KindReplaceData, ID: ids[i], Series: cloneSeries(nexts[i])}
		}

		d, err := r.channel.Enqueue(ctx, msg)
		if err != nil {
			if stale {
				r.channel.markStale(ids[i])
			}
			return deliveries, fmt.Errorf("handle %s: %w", ids[i], err)
		}
		e.handle.Series = nexts[i]
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// Sync waits until every message emitted so far for id has been applied by
// the surface.
func (r *Registry) Sync(ctx context.Context, id HandleID) error {
	if _, err := r.lookup(id); err != nil {
		return err
	}
	return r.channel.Flush(ctx, id)
}

// Handles returns snapshots of every live handle in creation order.
func (r *Registry) Handles() []PlotHandle {
	r.mutex.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mutex.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	handles := make([]PlotHandle, 0, len(entries))
	for _, e := range entries {
		e.mutex.Lock()
		if !e.removed {
			handles = append(handles, e.handle.clone())
		}
		e.mutex.Unlock()
	}
	return handles
}

// Close stops message delivery. The registry must not be used afterwards.
func (r *Registry) Close() {
	r.channel.Close()
}

func (r *Registry) lookup(id HandleID) (*entry, error) {
	r.mutex.RLock()
	e, ok := r.entries[id]
	r.mutex.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// lockLive returns the entry for id locked, or ErrNotFound if it was never
// created or has been removed.
func (r *Registry) lockLive(id HandleID) (*entry, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mutex.Lock()
	if e.removed {
		e.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s was removed", ErrNotFound, id)
	}
	return e, nil
}

// lockMutable is lockLive followed by reporting a delivery failure from an
// earlier call, if there was one.
func (r *Registry) lockMutable(id HandleID) (*entry, error) {
	e, err := r.lockLive(id)
	if err != nil {
		return nil, err
	}

	if err := r.channel.TakeError(id); err != nil {
		e.mutex.Unlock()
		return nil, err
	}
	return e, nil
}
