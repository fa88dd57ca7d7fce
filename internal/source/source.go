// Package source defines where frames come from.
package source

import (
	"context"
	"errors"

	"github.com/dj-oyu/traffic-monitor/congestion-server/pkg/types"
)

// ErrEndOfStream is returned by NextFrame when the source has no more
// frames until it is restarted.
var ErrEndOfStream = errors.New("end of stream")

// FrameSource supplies frames in sequence
type FrameSource interface {
	// NextFrame returns the next frame, or ErrEndOfStream
	NextFrame(ctx context.Context) (*types.Frame, error)
	// Restart reopens the source at its beginning
	Restart() error
	// FrameRate is the nominal rate in frames per second, 0 if unknown
	FrameRate() float64
	Close() error
}
