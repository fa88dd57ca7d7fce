package detector

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	// Decoders for FormatImage frames
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/traffic-monitor/congestion-server/pkg/types"
)

// encodeJPEG returns frame as a JPEG no wider than maxWidth (0 = no limit).
// A JPEG frame within the limit is passed through untouched.
func encodeJPEG(frame *types.Frame, maxWidth, quality int) ([]byte, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	if frame.Format == types.FormatJPEG && (maxWidth <= 0 || frame.Width > 0 && frame.Width <= maxWidth) {
		return frame.Data, nil
	}

	img, err := decodeFrame(frame)
	if err != nil {
		return nil, err
	}
	img = downscale(img, maxWidth)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFrame(frame *types.Frame) (image.Image, error) {
	switch frame.Format {
	case types.FormatNV12:
		return nv12Image(frame.Data, frame.Width, frame.Height)
	case types.FormatRGB:
		return rgbImage(frame.Data, frame.Width, frame.Height)
	case types.FormatJPEG, types.FormatImage:
		img, _, err := image.Decode(bytes.NewReader(frame.Data))
		if err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", frame.Format, err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported frame format %s", frame.Format)
	}
}

// nv12Image wraps a Y plane followed by an interleaved CbCr plane at
// quarter resolution.
func nv12Image(data []byte, width, height int) (*image.YCbCr, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("invalid nv12 size %dx%d", width, height)
	}
	ySize := width * height
	if len(data) < ySize*3/2 {
		return nil, fmt.Errorf("nv12 buffer too short: %d < %d", len(data), ySize*3/2)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	copy(img.Y, data[:ySize])

	uv := data[ySize : ySize*3/2]
	for i := 0; i < len(img.Cb); i++ {
		img.Cb[i] = uv[2*i]
		img.Cr[i] = uv[2*i+1]
	}
	return img, nil
}

func rgbImage(data []byte, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 || len(data) < width*height*3 {
		return nil, fmt.Errorf("invalid rgb frame %dx%d (%d bytes)", width, height, len(data))
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < width*height*3; i, j = i+3, j+4 {
		img.Pix[j] = data[i]
		img.Pix[j+1] = data[i+1]
		img.Pix[j+2] = data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

func downscale(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return img
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
