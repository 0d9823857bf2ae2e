package liveplot

import (
	"context"
	"fmt"
)

// MessageKind enumerates the update messages understood by a remote surface.
type MessageKind byte

const (
	KindCreate MessageKind = iota + 1
	KindReplaceData
	KindExtendData
	KindPatchOptions
	KindRemove
)

func (k MessageKind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindReplaceData:
		return "replace_data"
	case KindExtendData:
		return "extend_data"
	case KindPatchOptions:
		return "patch_options"
	case KindRemove:
		return "remove"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// isData reports whether messages of this kind only carry visual state and
// may be coalesced under backpressure.
func (k MessageKind) isData() bool {
	return k == KindReplaceData || k == KindExtendData
}

// UpdateMessage is the unit sent to a RemoteSurface. Which fields are set
// depends on Kind:
//
//   - Create: Series, Options, Visible, HistoryLimit
//   - ReplaceData: Series
//   - ExtendData: Samples (one slice per series, oldest first), HistoryLimit
//   - PatchOptions: Options (partial) and/or Visible
//   - Remove: nothing beyond ID
type UpdateMessage struct {
	Kind         MessageKind
	ID           HandleID
	Series       []Series
	Samples      [][]Sample
	HistoryLimit int
	Options      Options
	Visible      *bool
}

// RemoteSurface applies update messages on the rendering side. Apply must
// process messages for one handle in the order it is called with them and
// return once the message has taken effect. It is called concurrently for
// different handles.
type RemoteSurface interface {
	Apply(ctx context.Context, msg UpdateMessage) error
}

// RemoteSurfaceFunc adapts a function to RemoteSurface.
type RemoteSurfaceFunc func(ctx context.Context, msg UpdateMessage) error

func (f RemoteSurfaceFunc) Apply(ctx context.Context, msg UpdateMessage) error {
	return f(ctx, msg)
}

func boolPtr(b bool) *bool {
	return &b
}
