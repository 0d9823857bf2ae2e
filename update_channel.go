package liveplot

import (
	"context"
	"errors"
	"fmt"
	"runtime/trace"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// ErrCancelled resolves a Delivery that was withdrawn before dispatch.
var ErrCancelled = errors.New("update cancelled before dispatch")

// DefaultQueueDepth is the recommended per-handle queue bound.
const DefaultQueueDepth = 64

type ChannelConfig struct {
	// QueueDepth bounds the pending messages per handle. Zero means unbounded.
	QueueDepth int

	// BlockWhenFull makes Enqueue wait for queue space instead of letting the
	// queue overflow when a message cannot be coalesced.
	BlockWhenFull bool

	// EnqueueTimeout limits how long a blocking Enqueue waits. Zero waits
	// until the context is done.
	EnqueueTimeout time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Metrics may be nil.
	Metrics *ChannelMetrics
}

// UpdateChannel delivers update messages to a RemoteSurface. Every handle
// gets its own lane: a FIFO queue drained by one goroutine, so messages for
// one handle are applied in the order they were enqueued while different
// handles never wait on each other.
type UpdateChannel struct {
	surface RemoteSurface
	config  ChannelConfig

	// ctx is handed to the surface. It is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mutex  sync.Mutex
	lanes  map[HandleID]*lane
	closed bool

	wg sync.WaitGroup

	logger logrus.FieldLogger
}

type lane struct {
	id      HandleID
	metrics *ChannelMetrics

	mutex sync.Mutex
	// ready is signalled when the queue gains an item or the lane closes.
	ready *sync.Cond
	queue []*Delivery
	// spaceFreed is closed and replaced every time an item leaves the queue.
	spaceFreed chan struct{}

	inflight *Delivery
	lastErr  error
	// stale is set when a data message was cancelled, so the surface no
	// longer matches what the producer believes it shows.
	stale bool

	// removing is set once a Remove is queued; nothing may follow it.
	removing bool
	closed   bool
}

// Delivery tracks one enqueued message until the surface has applied it.
type Delivery struct {
	lane       *lane
	msg        UpdateMessage
	enqueuedAt time.Time

	done chan struct{}
	once sync.Once
	err  error

	// Guarded by lane.mutex.
	dispatched bool
	superseded bool
	absorbed   []*Delivery
}

func NewUpdateChannel(surface RemoteSurface, config ChannelConfig) *UpdateChannel {
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &UpdateChannel{
		surface: surface,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[HandleID]*lane),
		logger:  logrus.WithField("tag", "UpdateChannel"),
	}
}

// Enqueue queues msg for delivery and returns without waiting for the
// surface. When the handle's queue is full, a data message is merged into a
// pending data message at the tail of the queue; control messages are never
// merged or dropped. In blocking mode Enqueue otherwise waits for space and
// fails with ErrTimeout once EnqueueTimeout elapses.
func (c *UpdateChannel) Enqueue(ctx context.Context, msg UpdateMessage) (*Delivery, error) {
	l, err := c.laneFor(msg.ID)
	if err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if c.config.BlockWhenFull && c.config.EnqueueTimeout > 0 {
		timer := c.config.Clock.Timer(c.config.EnqueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	l.mutex.Lock()
	for {
		if l.closed {
			l.mutex.Unlock()
			return nil, ErrChannelClosed
		}
		if l.removing {
			l.mutex.Unlock()
			return nil, fmt.Errorf("%w: %s is being removed", ErrNotFound, msg.ID)
		}

		depth := c.config.QueueDepth
		if depth <= 0 || len(l.queue) < depth {
			break
		}

		if d := c.tryCoalesceLocked(l, msg); d != nil {
			l.mutex.Unlock()
			return d, nil
		}

		if !c.config.BlockWhenFull {
			// Nothing to merge with: overflow rather than drop.
			break
		}

		spaceFreed := l.spaceFreed
		l.mutex.Unlock()
		select {
		case <-spaceFreed:
		case <-timeout:
			return nil, fmt.Errorf("%w: %s queue for %s has %d pending messages", ErrTimeout, msg.Kind, msg.ID, depth)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		l.mutex.Lock()
	}

	d := c.newDelivery(l, msg)
	l.queue = append(l.queue, d)
	if msg.Kind == KindRemove {
		l.removing = true
	}
	c.config.Metrics.onEnqueue(msg.Kind)
	l.ready.Signal()
	l.mutex.Unlock()

	return d, nil
}

// tryCoalesceLocked merges msg into the pending tail of the queue when both
// are data messages. Callers must hold l.mutex.
func (c *UpdateChannel) tryCoalesceLocked(l *lane, msg UpdateMessage) *Delivery {
	if !msg.Kind.isData() || len(l.queue) == 0 {
		return nil
	}

	tail := l.queue[len(l.queue)-1]
	if !tail.msg.Kind.isData() {
		return nil
	}

	merged, ok := coalesce(tail.msg, msg)
	if !ok {
		return nil
	}

	d := c.newDelivery(l, merged)
	d.enqueuedAt = tail.enqueuedAt
	d.absorbed = append(tail.absorbed, tail)
	tail.absorbed = nil
	tail.superseded = true
	l.queue[len(l.queue)-1] = d

	c.config.Metrics.onCoalesce(msg.Kind)
	c.logger.WithFields(logrus.Fields{
		"id":     msg.ID,
		"older":  tail.msg.Kind,
		"newer":  msg.Kind,
		"merged": merged.Kind,
	}).Debug("coalesced data update")
	return d
}

func (c *UpdateChannel) newDelivery(l *lane, msg UpdateMessage) *Delivery {
	return &Delivery{
		lane:       l,
		msg:        msg,
		enqueuedAt: c.config.Clock.Now(),
		done:       make(chan struct{}),
	}
}

// TakeError returns and clears the last delivery failure recorded for id.
func (c *UpdateChannel) TakeError(id HandleID) error {
	c.mutex.Lock()
	l, ok := c.lanes[id]
	c.mutex.Unlock()
	if !ok {
		return nil
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	err := l.lastErr
	l.lastErr = nil
	return err
}

// takeStale reports and clears whether a data message for id was cancelled
// since the last call.
func (c *UpdateChannel) takeStale(id HandleID) bool {
	c.mutex.Lock()
	l, ok := c.lanes[id]
	c.mutex.Unlock()
	if !ok {
		return false
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	stale := l.stale
	l.stale = false
	return stale
}

func (c *UpdateChannel) markStale(id HandleID) {
	c.mutex.Lock()
	l, ok := c.lanes[id]
	c.mutex.Unlock()
	if !ok {
		return
	}

	l.mutex.Lock()
	l.stale = true
	l.mutex.Unlock()
}

// Flush waits until every message enqueued for id so far has been applied
// or has failed.
func (c *UpdateChannel) Flush(ctx context.Context, id HandleID) error {
	c.mutex.Lock()
	l, ok := c.lanes[id]
	c.mutex.Unlock()
	if !ok {
		return nil
	}

	l.mutex.Lock()
	last := l.inflight
	if len(l.queue) > 0 {
		last = l.queue[len(l.queue)-1]
	}
	l.mutex.Unlock()

	if last == nil {
		return nil
	}
	select {
	case <-last.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued, undispatched messages for id.
func (c *UpdateChannel) Pending(id HandleID) int {
	c.mutex.Lock()
	l, ok := c.lanes[id]
	c.mutex.Unlock()
	if !ok {
		return 0
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.queue)
}

// Close stops every lane. Messages that were not dispatched yet resolve with
// ErrChannelClosed. Close blocks until in-flight deliveries return.
func (c *UpdateChannel) Close() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	lanes := make([]*lane, 0, len(c.lanes))
	for _, l := range c.lanes {
		lanes = append(lanes, l)
	}
	c.mutex.Unlock()

	for _, l := range lanes {
		l.mutex.Lock()
		l.closed = true
		l.ready.Broadcast()
		close(l.spaceFreed)
		l.spaceFreed = make(chan struct{})
		l.mutex.Unlock()
	}
	// Lanes are marked first so nothing queued is dispatched after an
	// in-flight Apply returns.
	c.cancel()

	c.wg.Wait()
	c.logger.WithField("lanes", len(lanes)).Info("update channel closed")
}

func (c *UpdateChannel) laneFor(id HandleID) (*lane, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}

	l, ok := c.lanes[id]
	if ok {
		return l, nil
	}

	l = &lane{
		id:         id,
		metrics:    c.config.Metrics,
		spaceFreed: make(chan struct{}),
	}
	l.ready = sync.NewCond(&l.mutex)
	c.lanes[id] = l

	c.wg.Add(1)
	go c.runLane(l)
	return l, nil
}

func (c *UpdateChannel) retireLane(l *lane) {
	c.mutex.Lock()
	if c.lanes[l.id] == l {
		delete(c.lanes, l.id)
	}
	c.mutex.Unlock()
}

func (c *UpdateChannel) runLane(l *lane) {
	defer c.wg.Done()

	for {
		l.mutex.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.ready.Wait()
		}

		if l.closed {
			pending := l.queue
			l.queue = nil
			l.mutex.Unlock()
			for _, d := range pending {
				c.config.Metrics.onDispatch()
				d.resolve(ErrChannelClosed)
			}
			return
		}

		d := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		d.dispatched = true
		l.inflight = d
		close(l.spaceFreed)
		l.spaceFreed = make(chan struct{})
		l.mutex.Unlock()

		c.config.Metrics.onDispatch()
		err := c.dispatch(d)

		l.mutex.Lock()
		l.inflight = nil
		if err != nil {
			l.lastErr = err
		}
		l.mutex.Unlock()

		d.resolve(err)

		if d.msg.Kind == KindRemove {
			c.retireLane(l)
			l.mutex.Lock()
			l.closed = true
			l.mutex.Unlock()
			return
		}
	}
}

func (c *UpdateChannel) dispatch(d *Delivery) error {
	traceCtx, task := trace.NewTask(c.ctx, "DispatchUpdate")
	defer task.End()

	var err error
	trace.WithRegion(traceCtx, "Apply", func() {
		err = c.surface.Apply(traceCtx, d.msg)
	})

	c.config.Metrics.onDelivered(d.msg.Kind, d.enqueuedAt, c.config.Clock.Now(), err)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"id":   d.msg.ID,
			"kind": d.msg.Kind,
		}).Warn("remote surface failed to apply update")
		return &DeliveryError{ID: d.msg.ID, Err: err}
	}
	return nil
}

// Kind is the kind of the message this delivery carries. After coalescing it
// may differ from the kind that was enqueued.
func (d *Delivery) Kind() MessageKind {
	return d.msg.Kind
}

// Done is closed once the message has been applied, has failed, or was
// withdrawn.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Err is the delivery outcome; only meaningful after Done is closed.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the surface acknowledged the message or ctx is done.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel withdraws a data message that has not been dispatched yet. It
// reports false for control messages, for messages already handed to the
// surface, and for messages merged into a newer one. The next data update
// for the handle is then sent as a full replace.
func (d *Delivery) Cancel() bool {
	l := d.lane
	l.mutex.Lock()
	if d.dispatched || d.superseded || !d.msg.Kind.isData() {
		l.mutex.Unlock()
		return false
	}

	index := -1
	for i, queued := range l.queue {
		if queued == d {
			index = i
			break
		}
	}
	if index < 0 {
		l.mutex.Unlock()
		return false
	}

	l.queue = append(l.queue[:index], l.queue[index+1:]...)
	l.stale = true
	close(l.spaceFreed)
	l.spaceFreed = make(chan struct{})
	l.mutex.Unlock()

	l.metrics.onCancel(1 + len(d.absorbed))

	d.resolve(ErrCancelled)
	return true
}

func (d *Delivery) resolve(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
	for _, absorbed := range d.absorbed {
		absorbed.resolve(err)
	}
}
