// Package frame defines the time-indexed units moved between the capture
// pipeline, the ordered cache and the playback engine.
package frame

import (
	"errors"
	"fmt"
	"time"
)

const (
	SampleRate = 48000
	Channels   = 2
	BitDepth   = 16
)

// PixelFormat identifies the memory layout of a PixelBuffer.
type PixelFormat int

const (
	// FormatUYVY is 8-bit 4:2:2 YUV, two bytes per pixel (the capture device layout).
	FormatUYVY PixelFormat = iota
	// FormatARGB is 8-bit ARGB, four bytes per pixel (display layout).
	FormatARGB
)

// BytesPerPixel returns the packed pixel size of f.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatUYVY:
		return 2
	case FormatARGB:
		return 4
	}
	return 0
}

func (f PixelFormat) String() string {
	switch f {
	case FormatUYVY:
		return "UYVY"
	case FormatARGB:
		return "ARGB"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// ErrInvalidDimensions is returned when a buffer cannot be allocated for the
// requested geometry.
var ErrInvalidDimensions = errors.New("invalid frame dimensions")

// PixelBuffer is an owned picture region.
type PixelBuffer struct {
	Format PixelFormat
	Width  int
	Height int
	Stride int // bytes per row
	Data   []byte
}

// NewPixelBuffer allocates a tightly packed buffer for the given format.
// UYVY requires an even width since each macropixel carries two pixels.
func NewPixelBuffer(format PixelFormat, width, height int) (*PixelBuffer, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: unsupported format %v", ErrInvalidDimensions, format)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	if format == FormatUYVY && width%2 != 0 {
		return nil, fmt.Errorf("%w: UYVY width must be even, got %d", ErrInvalidDimensions, width)
	}
	stride := width * bpp
	return &PixelBuffer{
		Format: format,
		Width:  width,
		Height: height,
		Stride: stride,
		Data:   make([]byte, stride*height),
	}, nil
}

// Row returns the bytes of row y, excluding stride padding.
func (b *PixelBuffer) Row(y int) []byte {
	off := y * b.Stride
	return b.Data[off : off+b.Width*b.Format.BytesPerPixel()]
}

// AudioBuffer carries interleaved int16 PCM.
type AudioBuffer struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// SamplesPerChannel returns the number of sample frames held.
func (a *AudioBuffer) SamplesPerChannel() int {
	if a == nil || a.Channels == 0 {
		return 0
	}
	return len(a.Samples) / a.Channels
}

// Frame is one picture, plus optional audio, at a fixed index.
type Frame struct {
	Index  int64
	Pixels *PixelBuffer
	Audio  *AudioBuffer
}

// Bytes returns the memory the frame accounts for in a cache.
func (f *Frame) Bytes() int64 {
	if f == nil {
		return 0
	}
	var n int64
	if f.Pixels != nil {
		n += int64(len(f.Pixels.Data))
	}
	if f.Audio != nil {
		n += int64(len(f.Audio.Samples)) * 2
	}
	return n
}

// HasAudio reports whether the frame carries any samples.
func (f *Frame) HasAudio() bool {
	return f != nil && f.Audio != nil && len(f.Audio.Samples) > 0
}

// Duration returns the display time of one frame at fps.
func Duration(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}

// SamplesPerFrame returns how many sample frames of audio at sampleRate fall
// inside a single video frame at fps.
func SamplesPerFrame(sampleRate int, fps float64) int {
	if fps <= 0 {
		return 0
	}
	return int(float64(sampleRate) / fps)
}
