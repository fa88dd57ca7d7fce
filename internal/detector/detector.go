// Package detector talks to the object-detection engine.
package detector

import (
	"context"
	"errors"

	"github.com/dj-oyu/traffic-monitor/congestion-server/pkg/types"
)

// ErrBadResponse is returned when the engine answers with something that
// is not a detection list.
var ErrBadResponse = errors.New("detector: bad response")

// Detector returns the labeled objects found in a frame
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error)
}
