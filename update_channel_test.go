package liveplot

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 5 * time.Second
	testTick    = time.Millisecond
)

// gatedSurface holds messages matching hold until the gate is opened.
type gatedSurface struct {
	*recordingSurface

	hold    func(UpdateMessage) bool
	gate    chan struct{}
	once    sync.Once
	entered chan UpdateMessage
}

func newGatedSurface(hold func(UpdateMessage) bool) *gatedSurface {
	return &gatedSurface{
		recordingSurface: newRecordingSurface(),
		hold:             hold,
		gate:             make(chan struct{}),
		entered:          make(chan UpdateMessage, 100),
	}
}

func (s *gatedSurface) Apply(ctx context.Context, msg UpdateMessage) error {
	if s.hold(msg) {
		s.entered <- msg
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.recordingSurface.Apply(ctx, msg)
}

func (s *gatedSurface) open() {
	s.once.Do(func() { close(s.gate) })
}

func (s *gatedSurface) waitEntered(t *testing.T) UpdateMessage {
	t.Helper()
	select {
	case msg := <-s.entered:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("surface was never called")
		return UpdateMessage{}
	}
}

func createMessage(id HandleID, limit int) UpdateMessage {
	return UpdateMessage{
		Kind:         KindCreate,
		ID:           id,
		Series:       []Series{{Name: "s", X: []float64{0}, Y: []float64{0}}},
		HistoryLimit: limit,
	}
}

func replaceMessage(id HandleID, y float64) UpdateMessage {
	return UpdateMessage{Kind: KindReplaceData, ID: id, Series: []Series{{X: []float64{y}, Y: []float64{y}}}}
}

func extendMessage(id HandleID, limit int, x, y float64) UpdateMessage {
	return UpdateMessage{Kind: KindExtendData, ID: id, Samples: [][]Sample{{{X: x, Y: y}}}, HistoryLimit: limit}
}

func isCreate(msg UpdateMessage) bool { return msg.Kind == KindCreate }

func TestUpdateChannelPerHandleOrder(t *testing.T) {
	const (
		handles  = 8
		messages = 200
	)

	var (
		mutex    sync.Mutex
		lastSeen = make(map[HandleID]float64)
		inflight = make(map[HandleID]*int32)
		failures []string
	)
	for i := 0; i < handles; i++ {
		inflight[NewHandleID()] = new(int32)
	}

	surface := RemoteSurfaceFunc(func(ctx context.Context, msg UpdateMessage) error {
		counter := inflight[msg.ID]
		if atomic.AddInt32(counter, 1) != 1 {
			mutex.Lock()
			failures = append(failures, "concurrent apply for "+msg.ID.String())
			mutex.Unlock()
		}
		defer atomic.AddInt32(counter, -1)

		if rand.Intn(4) == 0 {
			time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
		}

		seq := msg.Series[0].Y[0]
		mutex.Lock()
		defer mutex.Unlock()
		if prev, ok := lastSeen[msg.ID]; ok && seq != prev+1 {
			failures = append(failures, "out of order delivery for "+msg.ID.String())
		}
		lastSeen[msg.ID] = seq
		return nil
	})

	c := NewUpdateChannel(surface, ChannelConfig{})
	defer c.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for id := range inflight {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := 0; seq < messages; seq++ {
				_, err := c.Enqueue(ctx, replaceMessage(id, float64(seq)))
				assert.NoError(t, err)
			}
			assert.NoError(t, c.Flush(ctx, id))
		}()
	}
	wg.Wait()

	mutex.Lock()
	defer mutex.Unlock()
	assert.Empty(t, failures)
	for id := range inflight {
		assert.Equal(t, float64(messages-1), lastSeen[id])
	}
}

func TestUpdateChannelHandlesAreIndependent(t *testing.T) {
	ctx := context.Background()
	slow, fast := NewHandleID(), NewHandleID()
	surface := newGatedSurface(func(msg UpdateMessage) bool { return msg.ID == slow })
	defer surface.open()

	c := NewUpdateChannel(surface, ChannelConfig{})
	defer c.Close()

	_, err := c.Enqueue(ctx, createMessage(slow, 0))
	require.NoError(t, err)
	surface.waitEntered(t)

	d, err := c.Enqueue(ctx, createMessage(fast, 0))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	require.NoError(t, d.Wait(waitCtx), "a stalled handle must not hold up others")
}

func TestUpdateChannelCoalescesDataOnly(t *testing.T) {
	ctx := context.Background()
	id := NewHandleID()
	surface := newGatedSurface(isCreate)
	defer surface.open()

	registry := prometheus.NewRegistry()
	metrics := NewChannelMetrics(registry)
	c := NewUpdateChannel(surface, ChannelConfig{QueueDepth: 2, Metrics: metrics})
	defer c.Close()

	_, err := c.Enqueue(ctx, createMessage(id, 3))
	require.NoError(t, err)
	surface.waitEntered(t)

	first, err := c.Enqueue(ctx, replaceMessage(id, 1))
	require.NoError(t, err)
	patch, err := c.Enqueue(ctx, UpdateMessage{Kind: KindPatchOptions, ID: id, Options: Options{OptionTitle: "t"}})
	require.NoError(t, err)

	// Full, but the tail is a control message: the queue grows instead.
	second, err := c.Enqueue(ctx, replaceMessage(id, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Pending(id))

	// Full with a data tail: merged into it.
	third, err := c.Enqueue(ctx, extendMessage(id, 3, 5, 5))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Pending(id))
	assert.Equal(t, KindReplaceData, third.Kind())

	surface.open()
	for _, d := range []*Delivery{first, patch, second, third} {
		require.NoError(t, d.Wait(ctx))
	}

	assert.Equal(t, []MessageKind{KindCreate, KindReplaceData, KindPatchOptions, KindReplaceData}, surface.kinds(id))

	mirrored, ok := surface.mirror.Handle(id)
	require.True(t, ok)
	assert.Equal(t, []float64{2, 5}, mirrored.Series[0].Y)
	assert.Equal(t, "t", mirrored.Options[OptionTitle])

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.coalesced))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.enqueued.WithLabelValues("replace_data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.enqueued.WithLabelValues("extend_data")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.pending))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.delivered.WithLabelValues("replace_data")) == 2
	}, testTimeout, testTick)
}

func TestUpdateChannelBlockingEnqueue(t *testing.T) {
	setup := func(t *testing.T) (*UpdateChannel, *gatedSurface, *clock.Mock, HandleID) {
		id := NewHandleID()
		surface := newGatedSurface(isCreate)
		t.Cleanup(surface.open)

		mock := clock.NewMock()
		c := NewUpdateChannel(surface, ChannelConfig{
			QueueDepth:     1,
			BlockWhenFull:  true,
			EnqueueTimeout: time.Second,
			Clock:          mock,
		})
		t.Cleanup(c.Close)

		_, err := c.Enqueue(context.Background(), createMessage(id, 0))
		require.NoError(t, err)
		surface.waitEntered(t)

		_, err = c.Enqueue(context.Background(), UpdateMessage{Kind: KindPatchOptions, ID: id, Visible: boolPtr(false)})
		require.NoError(t, err)
		return c, surface, mock, id
	}

	t.Run("times out", func(t *testing.T) {
		c, _, mock, id := setup(t)

		result := make(chan error, 1)
		go func() {
			_, err := c.Enqueue(context.Background(), UpdateMessage{Kind: KindRemove, ID: id})
			result <- err
		}()

		deadline := time.After(testTimeout)
		for {
			select {
			case err := <-result:
				assert.ErrorIs(t, err, ErrTimeout)
				assert.Equal(t, 1, c.Pending(id), "a timed out message is not queued")
				return
			case <-deadline:
				t.Fatal("blocked enqueue never timed out")
			default:
				// The timer may not exist yet; keep moving the clock.
				mock.Add(time.Second)
				time.Sleep(testTick)
			}
		}
	})

	t.Run("proceeds when space frees", func(t *testing.T) {
		c, surface, _, id := setup(t)

		result := make(chan error, 1)
		go func() {
			_, err := c.Enqueue(context.Background(), UpdateMessage{Kind: KindRemove, ID: id})
			result <- err
		}()

		select {
		case err := <-result:
			t.Fatalf("enqueue returned early with %v", err)
		case <-time.After(20 * time.Millisecond):
		}

		surface.open()
		select {
		case err := <-result:
			require.NoError(t, err)
		case <-time.After(testTimeout):
			t.Fatal("enqueue stayed blocked after the queue drained")
		}
	})

}

func TestDeliveryCancel(t *testing.T) {
	ctx := context.Background()
	id := NewHandleID()
	surface := newGatedSurface(isCreate)
	defer surface.open()

	metrics := NewChannelMetrics(nil)
	c := NewUpdateChannel(surface, ChannelConfig{Metrics: metrics})
	defer c.Close()

	created, err := c.Enqueue(ctx, createMessage(id, 0))
	require.NoError(t, err)
	surface.waitEntered(t)

	replace, err := c.Enqueue(ctx, replaceMessage(id, 1))
	require.NoError(t, err)
	patch, err := c.Enqueue(ctx, UpdateMessage{Kind: KindPatchOptions, ID: id, Options: Options{OptionTitle: "t"}})
	require.NoError(t, err)

	assert.False(t, created.Cancel(), "dispatched messages cannot be withdrawn")
	assert.False(t, patch.Cancel(), "control messages cannot be withdrawn")
	assert.True(t, replace.Cancel())
	assert.False(t, replace.Cancel())
	assert.ErrorIs(t, replace.Wait(ctx), ErrCancelled)
	assert.Equal(t, 1, c.Pending(id))

	surface.open()
	require.NoError(t, c.Flush(ctx, id))
	assert.Equal(t, []MessageKind{KindCreate, KindPatchOptions}, surface.kinds(id))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cancelled))
}

func TestRegistryResyncsAfterCancel(t *testing.T) {
	ctx := context.Background()
	surface := newGatedSurface(isCreate)
	defer surface.open()
	r := newTestRegistry(t, surface, ChannelConfig{})

	handle, err := r.Create(ctx, []Series{{X: []float64{0}, Y: []float64{0}}}, nil, WithHistoryLimit(5))
	require.NoError(t, err)
	surface.waitEntered(t)

	d, err := r.ExtendData(ctx, handle.ID, []Sample{{X: 1, Y: 1}})
	require.NoError(t, err)
	require.True(t, d.Cancel())

	d, err = r.ExtendData(ctx, handle.ID, []Sample{{X: 2, Y: 2}})
	require.NoError(t, err)
	assert.Equal(t, KindReplaceData, d.Kind(), "the surface missed a sample")

	surface.open()
	require.NoError(t, d.Wait(ctx))

	mirrored, ok := surface.mirror.Handle(handle.ID)
	require.True(t, ok)
	assert.Equal(t, []float64{0, 1, 2}, mirrored.Series[0].Y)

	d, err = r.ExtendData(ctx, handle.ID, []Sample{{X: 3, Y: 3}})
	require.NoError(t, err)
	assert.Equal(t, KindExtendData, d.Kind())
}

func TestUpdateChannelFlushWaitsForDelivery(t *testing.T) {
	ctx := context.Background()
	id := NewHandleID()
	surface := newGatedSurface(isCreate)
	defer surface.open()

	c := NewUpdateChannel(surface, ChannelConfig{})
	defer c.Close()

	_, err := c.Enqueue(ctx, createMessage(id, 0))
	require.NoError(t, err)
	surface.waitEntered(t)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Flush(shortCtx, id), context.DeadlineExceeded)

	surface.open()
	require.NoError(t, c.Flush(ctx, id))
	_, ok := surface.mirror.Handle(id)
	assert.True(t, ok)

	require.NoError(t, c.Flush(ctx, NewHandleID()), "unknown handles have nothing to flush")
}

func TestUpdateChannelRemoveEndsLane(t *testing.T) {
	ctx := context.Background()
	id := NewHandleID()
	surface := newGatedSurface(isCreate)
	defer surface.open()
	c := NewUpdateChannel(surface, ChannelConfig{})
	defer c.Close()

	_, err := c.Enqueue(ctx, createMessage(id, 0))
	require.NoError(t, err)
	surface.waitEntered(t)
	removed, err := c.Enqueue(ctx, UpdateMessage{Kind: KindRemove, ID: id})
	require.NoError(t, err)

	_, err = c.Enqueue(ctx, replaceMessage(id, 1))
	assert.ErrorIs(t, err, ErrNotFound, "nothing may follow a remove")

	surface.open()
	require.NoError(t, removed.Wait(ctx))
	assert.Equal(t, []MessageKind{KindCreate, KindRemove}, surface.kinds(id))
	assert.Eventually(t, func() bool { return c.Pending(id) == 0 }, testTimeout, testTick)
}

func TestUpdateChannelClose(t *testing.T) {
	ctx := context.Background()
	id := NewHandleID()
	surface := newGatedSurface(isCreate)

	c := NewUpdateChannel(surface, ChannelConfig{})

	created, err := c.Enqueue(ctx, createMessage(id, 0))
	require.NoError(t, err)
	surface.waitEntered(t)
	pending, err := c.Enqueue(ctx, replaceMessage(id, 1))
	require.NoError(t, err)

	c.Close()

	assert.ErrorIs(t, pending.Wait(ctx), ErrChannelClosed)
	// The in-flight message saw its context cancelled.
	assert.True(t, errors.Is(created.Wait(ctx), context.Canceled))

	_, err = c.Enqueue(ctx, replaceMessage(id, 2))
	assert.ErrorIs(t, err, ErrChannelClosed)
	_, err = c.Enqueue(ctx, createMessage(NewHandleID(), 0))
	assert.ErrorIs(t, err, ErrChannelClosed)

	c.Close()
}
