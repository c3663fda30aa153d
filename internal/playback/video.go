package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/framesync/internal/frame"
)

// ErrVideoStopped is returned by Render when the video thread is not running.
var ErrVideoStopped = errors.New("video thread stopped")

// Renderer draws a frame on the display surface.
type Renderer interface {
	Render(f *frame.Frame) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(f *frame.Frame) error

// Render calls fn.
func (fn RendererFunc) Render(f *frame.Frame) error {
	return fn(f)
}

// videoRun is the per-Start state of a VideoThread. The handoff channels
// have capacity one: the scheduler can never be more than one frame ahead
// of the renderer.
type videoRun struct {
	frames   chan *frame.Frame
	rendered chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// VideoThread owns the render goroutine.
type VideoThread struct {
	renderer Renderer

	mu  sync.Mutex
	run *videoRun

	renderedCount atomic.Uint64
	failures      atomic.Uint64
	lastIndex     atomic.Int64
}

// NewVideoThread creates a stopped video thread drawing with r.
func NewVideoThread(r Renderer) *VideoThread {
	v := &VideoThread{renderer: r}
	v.lastIndex.Store(-1)
	return v
}

// Start launches the render goroutine. It is a no-op when already running.
func (v *VideoThread) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.run != nil {
		return
	}
	run := &videoRun{
		frames:   make(chan *frame.Frame, 1),
		rendered: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	v.run = run
	go v.loop(run)
}

func (v *VideoThread) loop(run *videoRun) {
	defer close(run.done)
	for {
		select {
		case <-run.stop:
			return
		case f := <-run.frames:
			if f != nil {
				v.draw(f)
			}
			select {
			case run.rendered <- struct{}{}:
			case <-run.stop:
				return
			}
		}
	}
}

func (v *VideoThread) draw(f *frame.Frame) {
	if err := v.renderer.Render(f); err != nil {
		v.failures.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "VideoThread.draw",
			"index":    f.Index,
			"error":    err.Error(),
		}).Warn("Render failed")
		return
	}
	v.renderedCount.Add(1)
	v.lastIndex.Store(f.Index)
}

// Render hands f to the render goroutine and blocks until it has been drawn.
// A nil frame is acknowledged without drawing.
func (v *VideoThread) Render(ctx context.Context, f *frame.Frame) error {
	v.mu.Lock()
	run := v.run
	v.mu.Unlock()
	if run == nil {
		return ErrVideoStopped
	}

	// drop an acknowledgement left by a Render whose ctx ended early
	select {
	case <-run.rendered:
	default:
	}

	select {
	case run.frames <- f:
	case <-run.done:
		return ErrVideoStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-run.rendered:
		return nil
	case <-run.done:
		return ErrVideoStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the render goroutine and waits up to timeout for it to exit
// (a negative timeout waits indefinitely). It reports whether the goroutine
// exited in time; one that did not is abandoned.
func (v *VideoThread) Stop(timeout time.Duration) bool {
	v.mu.Lock()
	run := v.run
	v.run = nil
	v.mu.Unlock()
	if run == nil {
		return true
	}
	close(run.stop)
	return waitDone(run.done, timeout)
}

// Running reports whether the render goroutine has been started and not stopped.
func (v *VideoThread) Running() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.run != nil
}

// Rendered returns how many frames were drawn successfully.
func (v *VideoThread) Rendered() uint64 {
	return v.renderedCount.Load()
}

// LastIndex returns the index of the last drawn frame, or -1.
func (v *VideoThread) LastIndex() int64 {
	return v.lastIndex.Load()
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	if timeout < 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
