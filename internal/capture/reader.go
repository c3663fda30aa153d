package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/framesync/internal/cache"
	"github.com/satindergrewal/framesync/internal/frame"
)

// ReaderConfig controls a Reader.
type ReaderConfig struct {
	FPS         float64
	Width       int
	Height      int
	HasAudio    bool
	Wait        time.Duration // longest wait for a future index, 0 = 2s
	MaxAhead    int64         // indexes beyond Completed before a request is refused, 0 = 10*FPS
	RecentBytes int64         // budget for already-taken frames, 0 = two seconds of ARGB at Width x Height
}

// Reader serves a live pipeline through the frame.Reader contract. Frames
// taken from the pipeline are kept in a small ordered cache so the audio and
// video workers can both read the same index.
type Reader struct {
	p      *Pipeline
	cfg    ReaderConfig
	recent *cache.Cache
	closed atomic.Bool

	mu       sync.Mutex // serialises pulls from the pipeline
	nextTake int64
}

// NewReader wraps p.
func NewReader(p *Pipeline, cfg ReaderConfig) *Reader {
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}
	if cfg.MaxAhead <= 0 {
		cfg.MaxAhead = int64(10 * cfg.FPS)
		if cfg.MaxAhead < 1 {
			cfg.MaxAhead = 1
		}
	}
	if cfg.RecentBytes <= 0 {
		cfg.RecentBytes = int64(2*cfg.FPS) * int64(cfg.Width*cfg.Height*4)
	}
	return &Reader{
		p:      p,
		cfg:    cfg,
		recent: cache.New(cfg.RecentBytes),
	}
}

// Info describes the stream.
func (r *Reader) Info() frame.Info {
	return frame.Info{
		FPS:        r.cfg.FPS,
		Width:      r.cfg.Width,
		Height:     r.cfg.Height,
		HasVideo:   true,
		HasAudio:   r.cfg.HasAudio,
		SampleRate: r.p.cfg.SampleRate,
		Channels:   r.p.cfg.Channels,
	}
}

// GetFrameSafe returns the frame at index, waiting up to the configured
// bound for it to be captured.
func (r *Reader) GetFrameSafe(index int64) (*frame.Frame, error) {
	if r.closed.Load() {
		return nil, frame.ErrReaderClosed
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: index %d", frame.ErrOutOfBounds, index)
	}
	if f := r.recent.Get(index); f != nil {
		return f, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if index < r.nextTake {
		// pulled by another consumer while we waited for the lock
		if f := r.recent.Get(index); f != nil {
			return f, nil
		}
		return nil, fmt.Errorf("%w: index %d no longer retained", frame.ErrOutOfBounds, index)
	}
	if ahead := index - r.p.Completed(); ahead > r.cfg.MaxAhead {
		return nil, fmt.Errorf("%w: index %d is %d frames ahead of capture", frame.ErrTooManySeeks, index, ahead)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Wait)
	defer cancel()

	for ; r.nextTake <= index; r.nextTake++ {
		f, err := r.p.GetFrame(ctx, r.nextTake)
		switch {
		case err == nil:
			if addErr := r.recent.Add(f); addErr != nil && f.Index == index {
				r.nextTake++
				return f, nil
			}
		case errors.Is(err, ErrFrameMissing):
			continue
		case errors.Is(err, ErrPipelineClosed):
			return nil, fmt.Errorf("%w: %w", frame.ErrReaderClosed, err)
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Reader.GetFrameSafe",
				"index":    index,
				"waiting":  r.nextTake,
				"error":    err.Error(),
			}).Debug("Frame not captured in time")
			return nil, fmt.Errorf("%w: index %d: %w", frame.ErrOutOfBounds, index, err)
		}
	}

	if f := r.recent.Get(index); f != nil {
		return f, nil
	}
	return nil, fmt.Errorf("%w: index %d was not captured", frame.ErrOutOfBounds, index)
}

// Close makes every further read fail with frame.ErrReaderClosed.
func (r *Reader) Close() {
	if !r.closed.Swap(true) {
		r.recent.Clear()
	}
}
