package liveplot

import (
	"context"
	"runtime/trace"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// SurfaceBroadcaster is the RemoteSurface behind the websocket endpoint. It
// encodes every applied message once and fans the frame out to all
// subscribed connections. A Mirror of the delivered state lets connections
// that arrive late start from a snapshot.
type SurfaceBroadcaster struct {
	codec  Codec
	mirror *Mirror

	// Guards subscribers and keeps the mirror and the fan-out in step, so a
	// new subscriber's snapshot and its first live frame never overlap.
	mutex       sync.Mutex
	subscribers []*Subscription

	framesSent int
	bytesSent  uint64

	logger logrus.FieldLogger
}

// Subscription receives encoded frames for one websocket connection.
type Subscription struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

// Frames yields live frames in delivery order.
func (s *Subscription) Frames() <-chan []byte {
	return s.frames
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

func NewSurfaceBroadcaster(codec Codec) *SurfaceBroadcaster {
	return &SurfaceBroadcaster{
		codec:       codec,
		mirror:      NewMirror(),
		subscribers: make([]*Subscription, 0),
		logger:      logrus.WithField("tag", "SurfaceBroadcaster"),
	}
}

// Mirror exposes the delivered state. Callers must treat it as read-only.
func (b *SurfaceBroadcaster) Mirror() *Mirror {
	return b.mirror
}

func (b *SurfaceBroadcaster) Apply(ctx context.Context, msg UpdateMessage) error {
	traceCtx, task := trace.NewTask(ctx, "BroadcastUpdate")
	defer task.End()

	var frame []byte
	var err error
	trace.WithRegion(traceCtx, "Encode", func() {
		frame, err = EncodeMessage(msg, b.codec)
	})
	if err != nil {
		return err
	}

	trace.WithRegion(traceCtx, "Lock", b.mutex.Lock)
	defer b.mutex.Unlock()

	if err := b.mirror.Apply(traceCtx, msg); err != nil {
		return err
	}

	b.framesSent++
	b.bytesSent += uint64(len(frame))

	b.logger.WithFields(logrus.Fields{
		"id":          msg.ID,
		"kind":        msg.Kind,
		"size":        humanize.Bytes(uint64(len(frame))),
		"subscribers": len(b.subscribers),
	}).Debug("broadcasting update")

	var sendErr error
	trace.WithRegion(traceCtx, "Broadcast", func() {
		for _, s := range b.subscribers {
			select {
			case s.frames <- frame:
			case <-s.done:
			case <-ctx.Done():
				sendErr = ctx.Err()
				return
			}
		}
	})
	return sendErr
}

// Subscribe registers a new connection. It returns the frames that rebuild
// the current state on an empty client, followed on the subscription by
// every frame broadcast afterwards. buffer sizes the live frame channel; a
// full channel holds up every handle, so it should be generous.
func (b *SurfaceBroadcaster) Subscribe(ctx context.Context, buffer int) ([][]byte, *Subscription, error) {
	traceCtx, task := trace.NewTask(ctx, "Subscribe")
	defer task.End()

	trace.WithRegion(traceCtx, "Lock", b.mutex.Lock)
	defer b.mutex.Unlock()

	var snapshot [][]byte
	var err error
	trace.WithRegion(traceCtx, "EncodeSnapshot", func() {
		snapshot, err = b.encodeSnapshotLocked()
	})
	if err != nil {
		return nil, nil, err
	}

	s := &Subscription{
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
	b.subscribers = append(b.subscribers, s)

	b.logger.WithFields(logrus.Fields{
		"snapshotFrames": len(snapshot),
		"subscribers":    len(b.subscribers),
	}).Info("registered subscriber")

	return snapshot, s, nil
}

// Unsubscribe removes s. It never blocks on a broadcast in progress, so it
// is safe to call after the connection stopped reading.
func (b *SurfaceBroadcaster) Unsubscribe(ctx context.Context, s *Subscription) {
	traceCtx, task := trace.NewTask(ctx, "Unsubscribe")
	defer task.End()

	s.close()

	trace.WithRegion(traceCtx, "Lock", b.mutex.Lock)
	defer b.mutex.Unlock()

	b.subscribers = Filter(b.subscribers, func(other *Subscription) bool {
		return other != s
	})

	b.logger.WithFields(logrus.Fields{
		"subscribers": len(b.subscribers),
		"framesSent":  b.framesSent,
		"bytesSent":   humanize.Bytes(b.bytesSent),
	}).Info("deregistered subscriber")
}

func (b *SurfaceBroadcaster) Subscribers() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.subscribers)
}

func (b *SurfaceBroadcaster) encodeSnapshotLocked() ([][]byte, error) {
	msgs := b.mirror.Snapshot()
	frames := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		frame, err := EncodeMessage(msg, b.codec)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
