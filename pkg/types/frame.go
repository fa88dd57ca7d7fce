package types

import "time"

// FrameFormat identifies how Frame.Data is encoded
type FrameFormat int

// Format constants matching the capture shared memory layout
const (
	FormatJPEG FrameFormat = 0
	FormatNV12 FrameFormat = 1
	FormatRGB  FrameFormat = 2
	FormatH264 FrameFormat = 3
	// FormatImage is any encoded still image (png, bmp, tiff, webp)
	FormatImage FrameFormat = 100
)

func (f FrameFormat) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatNV12:
		return "nv12"
	case FormatRGB:
		return "rgb"
	case FormatH264:
		return "h264"
	case FormatImage:
		return "image"
	default:
		return "unknown"
	}
}

// Frame is one unit of work handed to the detector. The aggregator never
// looks inside it.
type Frame struct {
	Data      []byte      // Encoded image or raw pixels, see Format
	Format    FrameFormat // Encoding of Data
	Timestamp time.Time   // Capture timestamp
	FrameNum  uint64      // Sequential frame number within the source
	Width     int         // Frame width (0 if unknown)
	Height    int         // Frame height (0 if unknown)
}

// Detection is a single labeled object reported by the detector
type Detection struct {
	Label      string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
}
