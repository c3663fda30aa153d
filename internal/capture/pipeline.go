// Package capture turns frames delivered by a capture device callback into
// sequentially indexed display frames, converting them on a worker pool and
// reassembling them in an ordered cache.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/framesync/internal/cache"
	"github.com/satindergrewal/framesync/internal/convert"
	"github.com/satindergrewal/framesync/internal/frame"
)

// DefaultCacheBytes holds 60 uncompressed 1080p ARGB frames plus a second of
// stereo float audio.
const DefaultCacheBytes = 60*1920*1080*4 + 44100*2*4

// pollInterval is how often GetFrame re-checks the completed count.
const pollInterval = 500 * time.Microsecond

var (
	ErrNoInputSignal    = errors.New("no input signal")
	ErrBufferAllocation = errors.New("destination buffer allocation failed")
	ErrConversion       = errors.New("frame conversion failed")
	ErrPipelineClosed   = errors.New("capture pipeline closed")
	// ErrFrameMissing means the index was advertised complete but is not in
	// the cache: its conversion failed, it was evicted, or it was already taken.
	ErrFrameMissing = errors.New("frame missing from cache")
)

// RawFrame is one frame as delivered by the device callback.
type RawFrame struct {
	Width    int
	Height   int
	RowBytes int
	NoSignal bool
	Data     []byte
	Audio    []int16 // interleaved, optional
}

// Config controls a Pipeline.
type Config struct {
	Workers      int               // batch threshold and fan-out width
	MaxBytes     int64             // cache budget, 0 = DefaultCacheBytes
	SourceFormat frame.PixelFormat // device layout
	TargetFormat frame.PixelFormat // layout stored in the cache
	Converter    convert.Converter // nil = convert.New(SourceFormat, TargetFormat)
	SampleRate   int               // audio attached to frames, 0 = frame.SampleRate
	Channels     int               // 0 = frame.Channels
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	SessionID          string `json:"session_id"`
	Received           uint64 `json:"received"`
	NoSignal           uint64 `json:"no_signal"`
	Submitted          int64  `json:"submitted"`
	Completed          int64  `json:"completed"`
	Batches            uint64 `json:"batches"`
	ConversionFailures uint64 `json:"conversion_failures"`
	CacheDrops         uint64 `json:"cache_drops"`
	Pending            int    `json:"pending"`
	CachedFrames       int    `json:"cached_frames"`
	CachedBytes        int64  `json:"cached_bytes"`
}

// Pipeline batches raw frames, fans each batch out to Workers goroutines for
// conversion, and advertises completion one whole batch at a time.
type Pipeline struct {
	cfg       Config
	converter convert.Converter
	frames    *cache.Cache
	sessionID uuid.UUID

	mu      sync.Mutex // serialises FrameArrived and owns pending
	pending []*RawFrame

	submitted atomic.Int64 // next index to assign
	completed atomic.Int64 // frames whose batch has joined
	closed    atomic.Bool

	received atomic.Uint64
	noSignal atomic.Uint64
	batches  atomic.Uint64
	failures atomic.Uint64
	drops    atomic.Uint64
}

// New creates a pipeline. Workers below one are raised to one.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = DefaultCacheBytes
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = frame.SampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = frame.Channels
	}
	conv := cfg.Converter
	if conv == nil {
		var err error
		conv, err = convert.New(cfg.SourceFormat, cfg.TargetFormat)
		if err != nil {
			return nil, fmt.Errorf("capture pipeline: %w", err)
		}
	}

	p := &Pipeline{
		cfg:       cfg,
		converter: conv,
		frames:    cache.New(cfg.MaxBytes),
		sessionID: uuid.New(),
	}

	logrus.WithFields(logrus.Fields{
		"function":  "capture.New",
		"session":   p.sessionID.String(),
		"workers":   cfg.Workers,
		"max_bytes": cfg.MaxBytes,
		"source":    cfg.SourceFormat.String(),
		"target":    cfg.TargetFormat.String(),
	}).Info("Capture pipeline created")

	return p, nil
}

// Cache exposes the reassembly cache.
func (p *Pipeline) Cache() *cache.Cache {
	return p.frames
}

// FrameArrived is the device callback. It copies raw so the device may reuse
// its buffer, queues it, and once Workers frames are queued converts the
// whole queue before returning.
func (p *Pipeline) FrameArrived(raw RawFrame) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	n := p.received.Add(1)

	if raw.NoSignal {
		p.noSignal.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.FrameArrived",
			"received": n,
		}).Warn("Frame received - no input signal detected")
		return ErrNoInputSignal
	}

	owned := raw
	owned.Data = append([]byte(nil), raw.Data...)
	if raw.Audio != nil {
		owned.Audio = append([]int16(nil), raw.Audio...)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	p.pending = append(p.pending, &owned)
	if len(p.pending) >= p.cfg.Workers {
		p.processLocked()
	}
	return nil
}

// Flush converts whatever is queued without waiting for a full batch.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) > 0 {
		p.processLocked()
	}
}

// processLocked drains pending, converts the batch in parallel and then
// advances completed by the batch size. Must be called with mu held.
func (p *Pipeline) processLocked() {
	batch := p.pending
	p.pending = nil

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, raw := range batch {
		index := p.submitted.Add(1) - 1
		g.Go(func() error {
			p.convertOne(raw, index)
			return nil
		})
	}
	_ = g.Wait()

	p.completed.Add(int64(len(batch)))
	p.batches.Add(1)

	logrus.WithFields(logrus.Fields{
		"function":  "Pipeline.processLocked",
		"batch":     len(batch),
		"completed": p.completed.Load(),
	}).Debug("Batch converted")
}

func (p *Pipeline) convertOne(raw *RawFrame, index int64) {
	err := p.buildFrame(raw, index)
	if err == nil {
		return
	}
	if errors.Is(err, cache.ErrCacheFull) {
		p.drops.Add(1)
	} else {
		p.failures.Add(1)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Pipeline.convertOne",
		"index":    index,
		"error":    err.Error(),
	}).Warn("Frame not delivered")
}

func (p *Pipeline) buildFrame(raw *RawFrame, index int64) error {
	dst, err := frame.NewPixelBuffer(p.cfg.TargetFormat, raw.Width, raw.Height)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBufferAllocation, err)
	}
	src := &frame.PixelBuffer{
		Format: p.cfg.SourceFormat,
		Width:  raw.Width,
		Height: raw.Height,
		Stride: raw.RowBytes,
		Data:   raw.Data,
	}
	if err := p.converter.Convert(dst, src); err != nil {
		return fmt.Errorf("%w: %w", ErrConversion, err)
	}

	f := &frame.Frame{Index: index, Pixels: dst}
	if len(raw.Audio) > 0 {
		f.Audio = &frame.AudioBuffer{
			SampleRate: p.cfg.SampleRate,
			Channels:   p.cfg.Channels,
			Samples:    raw.Audio,
		}
	}
	return p.frames.Add(f)
}

// Completed returns how many indexes, counted from zero, are advertised as
// available. It only grows in whole batches.
func (p *Pipeline) Completed() int64 {
	return p.completed.Load()
}

// Submitted returns how many frames have been handed to workers.
func (p *Pipeline) Submitted() int64 {
	return p.submitted.Load()
}

// CurrentFrameNumber returns the highest completed index, or 0 before the
// first batch completes.
func (p *Pipeline) CurrentFrameNumber() int64 {
	if c := p.completed.Load(); c > 0 {
		return c - 1
	}
	return 0
}

// GetFrame waits until index is advertised complete, then removes it from
// the cache and returns it. The wait polls rather than blocks.
func (p *Pipeline) GetFrame(ctx context.Context, index int64) (*frame.Frame, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: index %d", ErrFrameMissing, index)
	}
	if index >= p.completed.Load() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for index >= p.completed.Load() {
			if p.closed.Load() {
				return nil, ErrPipelineClosed
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		}
	}

	if f, ok := p.frames.Take(index); ok {
		return f, nil
	}
	logrus.WithFields(logrus.Fields{
		"function":             "Pipeline.GetFrame",
		"index":                index,
		"current_frame_number": p.CurrentFrameNumber(),
	}).Warn("Can't find frame")
	p.frames.Display()
	return nil, fmt.Errorf("%w: index %d", ErrFrameMissing, index)
}

// Close converts any queued frames and rejects further input. Waiting
// GetFrame calls for indexes that will never complete return ErrPipelineClosed.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if len(p.pending) > 0 {
		p.processLocked()
	}
	wasClosed := p.closed.Swap(true)
	p.mu.Unlock()
	if wasClosed {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Pipeline.Close",
		"session":   p.sessionID.String(),
		"completed": p.completed.Load(),
	}).Info("Capture pipeline closed")
}

// Closed reports whether Close has been called.
func (p *Pipeline) Closed() bool {
	return p.closed.Load()
}

// Stats returns a counter snapshot.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	return Stats{
		SessionID:          p.sessionID.String(),
		Received:           p.received.Load(),
		NoSignal:           p.noSignal.Load(),
		Submitted:          p.submitted.Load(),
		Completed:          p.completed.Load(),
		Batches:            p.batches.Load(),
		ConversionFailures: p.failures.Load(),
		CacheDrops:         p.drops.Load(),
		Pending:            pending,
		CachedFrames:       p.frames.Len(),
		CachedBytes:        p.frames.Bytes(),
	}
}
