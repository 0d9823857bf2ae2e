package liveplot

import (
	"errors"
	"fmt"
)

// Errors returned synchronously to the producer that made the offending
// call. Use errors.Is to match them; most are wrapped with detail.
var (
	ErrShape           = errors.New("series shape mismatch")
	ErrOptions         = errors.New("invalid plot options")
	ErrNotFound        = errors.New("plot handle not found")
	ErrAmbiguousUpdate = errors.New("ambiguous data update")
	ErrConfig          = errors.New("invalid configuration")
	ErrDelivery        = errors.New("update delivery failed")
	ErrTimeout         = errors.New("timed out waiting for queue space")
	ErrChannelClosed   = errors.New("update channel closed")
)

// DeliveryError is returned on the call following a failed delivery to the
// remote surface. The failed message is not retried.
type DeliveryError struct {
	ID  HandleID
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.ID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

func shapeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShape, fmt.Sprintf(format, args...))
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
