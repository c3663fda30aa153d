package capture

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/framesync/internal/frame"
)

// 75% colour bars as BT.709 (Y, U, V).
var bars = [8][3]byte{
	{180, 128, 128}, // white
	{168, 44, 136},  // yellow
	{145, 147, 44},  // cyan
	{133, 63, 52},   // green
	{63, 193, 204},  // magenta
	{51, 109, 212},  // red
	{28, 212, 120},  // blue
	{16, 128, 128},  // black
}

// GeneratorConfig controls a Generator.
type GeneratorConfig struct {
	Width  int
	Height int
	FPS    float64
	ToneHz float64 // 0 = no audio
}

// Generator stands in for a capture device: it delivers UYVY colour bars
// with a moving luma band, and an optional sine tone, at a fixed rate.
type Generator struct {
	cfg      GeneratorConfig
	noSignal atomic.Bool
	sent     atomic.Int64
	phase    float64
}

// NewGenerator creates a generator. Width is rounded down to even and a
// non-positive FPS becomes 24.
func NewGenerator(cfg GeneratorConfig) *Generator {
	cfg.Width &^= 1
	if cfg.FPS <= 0 {
		cfg.FPS = 24
	}
	return &Generator{cfg: cfg}
}

// SetSignal simulates plugging (true) or unplugging (false) the input.
func (g *Generator) SetSignal(present bool) {
	g.noSignal.Store(!present)
}

// Sent returns how many frames have been delivered.
func (g *Generator) Sent() int64 {
	return g.sent.Load()
}

// Frame builds the n-th raw frame. Calls must be sequential for the tone
// phase to stay continuous.
func (g *Generator) Frame(n int64) RawFrame {
	w, h := g.cfg.Width, g.cfg.Height
	stride := w * 2
	data := make([]byte, stride*h)

	band := 0
	if w > 0 {
		band = int(n*8) % w &^ 1
	}
	for x := 0; x < w; x += 2 {
		c := bars[x*len(bars)/w]
		y := c[0]
		if x >= band && x < band+8 {
			y = 235
		}
		for row := 0; row < h; row++ {
			o := row*stride + x*2
			data[o], data[o+1], data[o+2], data[o+3] = c[1], y, c[2], y
		}
	}

	raw := RawFrame{
		Width:    w,
		Height:   h,
		RowBytes: stride,
		NoSignal: g.noSignal.Load(),
		Data:     data,
	}
	if g.cfg.ToneHz > 0 {
		raw.Audio = g.tone()
	}
	return raw
}

func (g *Generator) tone() []int16 {
	n := frame.SamplesPerFrame(frame.SampleRate, g.cfg.FPS)
	out := make([]int16, n*frame.Channels)
	step := 2 * math.Pi * g.cfg.ToneHz / frame.SampleRate
	for i := 0; i < n; i++ {
		s := int16(8000 * math.Sin(g.phase))
		for ch := 0; ch < frame.Channels; ch++ {
			out[i*frame.Channels+ch] = s
		}
		g.phase = math.Mod(g.phase+step, 2*math.Pi)
	}
	return out
}

// Run delivers frames to deliver at the configured rate until ctx is done.
func (g *Generator) Run(ctx context.Context, deliver func(RawFrame) error) {
	ticker := time.NewTicker(frame.Duration(g.cfg.FPS))
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "Generator.Run",
		"width":    g.cfg.Width,
		"height":   g.cfg.Height,
		"fps":      g.cfg.FPS,
	}).Info("Synthetic capture source started")

	for n := int64(0); ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := deliver(g.Frame(n))
		g.sent.Add(1)
		switch {
		case err == nil, errors.Is(err, ErrNoInputSignal):
		case errors.Is(err, ErrPipelineClosed):
			return
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Generator.Run",
				"frame":    n,
				"error":    err.Error(),
			}).Warn("Frame delivery failed")
		}
	}
}
