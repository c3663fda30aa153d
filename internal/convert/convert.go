// Package convert turns captured pixel buffers into display buffers.
//
// The capture device delivers 8-bit 4:2:2 UYVY; playback wants ARGB. A
// Converter writes into a destination buffer the caller has already
// allocated, so the capture workers own allocation and can report it
// separately from conversion failures.
package convert

import (
	"errors"
	"fmt"

	"github.com/satindergrewal/framesync/internal/frame"
)

var (
	// ErrUnsupported is returned by New for a format pair with no converter.
	ErrUnsupported = errors.New("unsupported conversion")
	// ErrGeometry is returned when src and dst disagree on size or format.
	ErrGeometry = errors.New("buffer geometry mismatch")
)

// Converter fills dst from src.
type Converter interface {
	Convert(dst, src *frame.PixelBuffer) error
}

// Func adapts a plain function to Converter.
type Func func(dst, src *frame.PixelBuffer) error

// Convert calls fn.
func (fn Func) Convert(dst, src *frame.PixelBuffer) error {
	return fn(dst, src)
}

// New returns the converter for the src -> dst pair.
func New(src, dst frame.PixelFormat) (Converter, error) {
	switch {
	case src == dst:
		return Func(Copy), nil
	case src == frame.FormatUYVY && dst == frame.FormatARGB:
		return Func(UYVYToARGB), nil
	}
	return nil, fmt.Errorf("%w: %v -> %v", ErrUnsupported, src, dst)
}

func checkGeometry(dst, src *frame.PixelBuffer, srcFormat, dstFormat frame.PixelFormat) error {
	if dst == nil || src == nil {
		return fmt.Errorf("%w: nil buffer", ErrGeometry)
	}
	if src.Format != srcFormat || dst.Format != dstFormat {
		return fmt.Errorf("%w: want %v -> %v, got %v -> %v", ErrGeometry, srcFormat, dstFormat, src.Format, dst.Format)
	}
	if src.Width != dst.Width || src.Height != dst.Height {
		return fmt.Errorf("%w: %dx%d -> %dx%d", ErrGeometry, src.Width, src.Height, dst.Width, dst.Height)
	}
	if src.Stride < src.Width*srcFormat.BytesPerPixel() {
		return fmt.Errorf("%w: source stride %d shorter than a %d pixel row", ErrGeometry, src.Stride, src.Width)
	}
	if dst.Stride < dst.Width*dstFormat.BytesPerPixel() {
		return fmt.Errorf("%w: destination stride %d shorter than a %d pixel row", ErrGeometry, dst.Stride, dst.Width)
	}
	if len(src.Data) < src.Stride*(src.Height-1)+src.Width*srcFormat.BytesPerPixel() {
		return fmt.Errorf("%w: source buffer too small: %d bytes", ErrGeometry, len(src.Data))
	}
	if len(dst.Data) < dst.Stride*(dst.Height-1)+dst.Width*dstFormat.BytesPerPixel() {
		return fmt.Errorf("%w: destination buffer too small: %d bytes", ErrGeometry, len(dst.Data))
	}
	return nil
}

// Copy duplicates src into dst row by row, honouring both strides.
func Copy(dst, src *frame.PixelBuffer) error {
	if src == nil {
		return fmt.Errorf("%w: nil buffer", ErrGeometry)
	}
	if err := checkGeometry(dst, src, src.Format, src.Format); err != nil {
		return err
	}
	for y := 0; y < src.Height; y++ {
		copy(dst.Row(y), src.Row(y))
	}
	return nil
}

// UYVYToARGB converts BT.709 limited-range UYVY to opaque ARGB using 8-bit
// fixed-point coefficients.
func UYVYToARGB(dst, src *frame.PixelBuffer) error {
	if err := checkGeometry(dst, src, frame.FormatUYVY, frame.FormatARGB); err != nil {
		return err
	}
	for y := 0; y < src.Height; y++ {
		in := src.Row(y)
		out := dst.Row(y)
		for x := 0; x+3 < len(in); x += 4 {
			u := int(in[x]) - 128
			y0 := int(in[x+1]) - 16
			v := int(in[x+2]) - 128
			y1 := int(in[x+3]) - 16

			o := x * 2 // two ARGB pixels (8 bytes) per UYVY macropixel (4 bytes)
			putARGB(out[o:o+4], y0, u, v)
			putARGB(out[o+4:o+8], y1, u, v)
		}
	}
	return nil
}

func putARGB(px []byte, c, d, e int) {
	c *= 298
	px[0] = 0xFF
	px[1] = clamp((c + 459*e + 128) >> 8)
	px[2] = clamp((c - 55*d - 136*e + 128) >> 8)
	px[3] = clamp((c + 541*d + 128) >> 8)
}

func clamp(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
