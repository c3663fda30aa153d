package playback

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/framesync/internal/frame"
)

// declickFrames is how many frames a seek crossfades over.
const declickFrames = 2

// turnaroundBlend is the crossfade progress of the first frame played after
// the direction of play reverses.
const turnaroundBlend = 0.5

// AudioSink receives the PCM the audio thread plays.
type AudioSink interface {
	Publish(samples []int16)
}

type audioRun struct {
	stop chan struct{}
	done chan struct{}
}

// AudioThread plays the audio of a Reader on its own ticker, independent of
// the scheduler's wall-clock sleeps. Its position is what the scheduler
// measures drift against.
type AudioThread struct {
	sink AudioSink

	mu     sync.Mutex
	reader frame.Reader
	run    *audioRun

	position  atomic.Int64
	speed     atomic.Int64
	fade      atomic.Int32 // declick frames still to blend
	published atomic.Uint64
	silent    atomic.Uint64
}

// NewAudioThread creates a stopped audio thread publishing to sink.
func NewAudioThread(sink AudioSink) *AudioThread {
	a := &AudioThread{sink: sink}
	a.speed.Store(1)
	return a
}

// SetReader changes the source read on the next tick.
func (a *AudioThread) SetReader(r frame.Reader) {
	a.mu.Lock()
	a.reader = r
	a.mu.Unlock()
}

func (a *AudioThread) currentReader() frame.Reader {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reader
}

// SetSpeed sets frames advanced per tick; negative plays backwards, 0 pauses.
func (a *AudioThread) SetSpeed(speed int) {
	a.speed.Store(int64(speed))
}

// Seek moves the audio clock to position and crossfades into it.
func (a *AudioThread) Seek(position int64) {
	a.position.Store(position)
	a.fade.Store(declickFrames)
}

// Position returns the index of the last frame played.
func (a *AudioThread) Position() int64 {
	return a.position.Load()
}

// Start launches the audio goroutine. It returns false when no reader is set;
// starting a running thread is a no-op.
func (a *AudioThread) Start() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reader == nil {
		return false
	}
	if a.run != nil {
		return true
	}
	run := &audioRun{stop: make(chan struct{}), done: make(chan struct{})}
	a.run = run
	go a.loop(run, a.reader.Info())
	return true
}

// Stop signals the audio goroutine and waits up to timeout for it to exit
// (negative waits indefinitely).
func (a *AudioThread) Stop(timeout time.Duration) bool {
	a.mu.Lock()
	run := a.run
	a.run = nil
	a.mu.Unlock()
	if run == nil {
		return true
	}
	close(run.stop)
	return waitDone(run.done, timeout)
}

// Running reports whether the audio goroutine is started.
func (a *AudioThread) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run != nil
}

// Published returns how many PCM frames reached the sink; Silent how many of
// those were silence substituted for a missing frame.
func (a *AudioThread) Published() uint64 { return a.published.Load() }
func (a *AudioThread) Silent() uint64    { return a.silent.Load() }

func (a *AudioThread) loop(run *audioRun, info frame.Info) {
	defer close(run.done)

	fps := info.FPS
	if fps <= 0 {
		fps = 24
	}
	channels := info.Channels
	if channels <= 0 {
		channels = frame.Channels
	}
	sampleRate := info.SampleRate
	if sampleRate <= 0 {
		sampleRate = frame.SampleRate
	}
	silence := make([]int16, frame.SamplesPerFrame(sampleRate, fps)*channels)

	ticker := time.NewTicker(frame.Duration(fps))
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "AudioThread.loop",
		"fps":      fps,
		"position": a.position.Load(),
	}).Debug("Audio thread started")

	var (
		last    []int16
		lastDir int64
	)
	for {
		select {
		case <-run.stop:
			return
		case <-ticker.C:
		}

		speed := a.speed.Load()
		if speed == 0 {
			continue
		}
		pos := a.position.Add(speed)

		samples, missing := silence, true
		if r := a.currentReader(); r != nil {
			f, err := r.GetFrameSafe(pos)
			switch {
			case err == nil && f.HasAudio():
				samples, missing = f.Audio.Samples, false
				if speed < 0 {
					samples = reverseFrames(samples, channels)
				}
			case err != nil && !errors.Is(err, frame.ErrFrameUnavailable):
				logrus.WithFields(logrus.Fields{
					"function": "AudioThread.loop",
					"position": pos,
					"error":    err.Error(),
				}).Warn("Unexpected reader error")
			}
		}
		if missing {
			a.silent.Add(1)
		}

		dir := int64(1)
		if speed < 0 {
			dir = -1
		}
		k := a.fade.Load()
		switch {
		case k > 0 && last != nil:
			from := float64(declickFrames-k) / declickFrames
			to := float64(declickFrames-k+1) / declickFrames
			samples = RampFrames(last, samples, channels, from, to)
			a.fade.Add(-1)
		case k > 0:
			a.fade.Store(0)
		case lastDir != 0 && dir != lastDir && len(last) == len(samples):
			samples = CrossfadeFrames(last, samples, turnaroundBlend)
			logrus.WithFields(logrus.Fields{
				"function": "AudioThread.loop",
				"position": pos,
				"speed":    speed,
			}).Debug("Direction reversed, blending turnaround frame")
		}
		lastDir = dir

		a.sink.Publish(samples)
		a.published.Add(1)
		last = samples
	}
}

// reverseFrames reverses sample-frame order, keeping channels interleaved.
func reverseFrames(samples []int16, channels int) []int16 {
	out := slices.Clone(samples)
	n := len(out) / channels
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch], out[j*channels+ch] = out[j*channels+ch], out[i*channels+ch]
		}
	}
	return out
}
