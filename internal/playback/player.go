// Package playback paces decoded frames onto a display at the stream's frame
// rate while an independently clocked audio thread plays the same timeline,
// stretching or shrinking each frame's display time to pull the two back
// together.
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

// DefaultStopTimeout bounds how long Close waits for the worker threads.
const DefaultStopTimeout = 500 * time.Millisecond

// AudioWorker is the audio thread as seen by the scheduler.
type AudioWorker interface {
	SetReader(r frame.Reader)
	SetSpeed(speed int)
	Seek(position int64)
	Position() int64
	Start() bool
	Stop(timeout time.Duration) bool
	Running() bool
}

// VideoWorker is the render thread as seen by the scheduler. Render must not
// return until the frame has been drawn.
type VideoWorker interface {
	Start()
	Stop(timeout time.Duration) bool
	Running() bool
	Render(ctx context.Context, f *frame.Frame) error
}

// State is the scheduler's lifecycle state.
type State int

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	}
	return "stopped"
}

// Config holds optional Player settings.
type Config struct {
	Clock       Clock         // nil = RealClock
	StopTimeout time.Duration // budget used when Start must stop a previous run, 0 = DefaultStopTimeout
}

// Status is a snapshot of the scheduler.
type Status struct {
	State         string  `json:"state"`
	VideoPosition int64   `json:"video_position"`
	AudioPosition int64   `json:"audio_position"`
	Speed         int     `json:"speed"`
	Drift         int64   `json:"drift"`
	LastSleepMs   float64 `json:"last_sleep_ms"`
	LastRenderMs  float64 `json:"last_render_ms"`
	Ticks         uint64  `json:"ticks"`
	Missed        uint64  `json:"missed"`
}

// Player is the control thread. One goroutine runs the display loop; the
// position and speed are atomics so Seek and SetSpeed may be called from
// any goroutine without stalling a tick.
type Player struct {
	audio       AudioWorker
	video       VideoWorker
	clock       Clock
	stopTimeout time.Duration

	readerMu sync.RWMutex
	reader   frame.Reader

	videoPos atomic.Int64
	audioPos atomic.Int64
	speed    atomic.Int64

	startMu    sync.Mutex // serialises Start
	lifeMu     sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	exitBudget atomic.Int64 // time.Duration handed to the workers on exit

	// workersMu orders each run's worker start against a previous run's
	// worker stop. gen identifies the run that owns the workers.
	workersMu sync.Mutex
	gen       atomic.Uint64

	statusMu   sync.Mutex
	lastDrift  int64
	lastSleep  time.Duration
	lastRender time.Duration
	ticks      uint64
	missed     uint64
}

// NewPlayer creates a stopped player at position 0, speed 1.
func NewPlayer(audio AudioWorker, video VideoWorker, cfg Config) *Player {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	p := &Player{
		audio:       audio,
		video:       video,
		clock:       cfg.Clock,
		stopTimeout: cfg.StopTimeout,
	}
	p.speed.Store(1)
	return p
}

// SetReader sets the active source for the player and the audio thread.
func (p *Player) SetReader(r frame.Reader) {
	p.readerMu.Lock()
	p.reader = r
	p.readerMu.Unlock()
	p.audio.SetReader(r)
}

// Reader returns the active source.
func (p *Player) Reader() frame.Reader {
	p.readerMu.RLock()
	defer p.readerMu.RUnlock()
	return p.reader
}

// Start launches the display loop, stopping any previous run first. It
// returns false if the position is negative or no reader is set.
func (p *Player) Start() bool {
	if p.videoPos.Load() < 0 {
		return false
	}
	if p.Reader() == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Player.Start",
		}).Warn("Cannot start playback without a reader")
		return false
	}
	p.startMu.Lock()
	defer p.startMu.Unlock()
	p.Stop(p.stopTimeout)

	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.exitBudget.Store(int64(p.stopTimeout))
	go p.run(ctx, p.done, p.gen.Add(1))

	logrus.WithFields(logrus.Fields{
		"function": "Player.Start",
		"position": p.videoPos.Load(),
		"speed":    p.speed.Load(),
	}).Info("Playback started")
	return true
}

// Stop signals the display loop, which in turn stops the audio and video
// threads within the same budget. A negative timeout waits indefinitely.
// It reports whether everything exited in time.
func (p *Player) Stop(timeout time.Duration) bool {
	p.lifeMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.lifeMu.Unlock()
	if cancel == nil {
		return true
	}

	p.exitBudget.Store(int64(timeout))
	cancel()
	ok := waitDone(done, timeout)

	logrus.WithFields(logrus.Fields{
		"function": "Player.Stop",
		"timeout":  timeout.String(),
		"clean":    ok,
	}).Info("Playback stopped")
	return ok
}

// Close stops playback with the configured timeout.
func (p *Player) Close() {
	p.Stop(p.stopTimeout)
}

func (p *Player) run(ctx context.Context, done chan struct{}, gen uint64) {
	defer close(done)

	reader := p.Reader()
	info := reader.Info()

	p.workersMu.Lock()
	p.stopWorkers(p.stopTimeout)
	p.audio.SetReader(reader)
	if info.HasAudio {
		p.audio.Seek(p.videoPos.Load())
		p.audio.SetSpeed(int(p.speed.Load()))
		p.audio.Start()
	}
	if info.HasVideo {
		p.video.Start()
	}
	p.workersMu.Unlock()

	for ctx.Err() == nil {
		p.tick(ctx)
	}

	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	if p.gen.Load() != gen {
		// Stop gave up on this run and a newer one owns the workers
		logrus.WithFields(logrus.Fields{
			"function": "Player.run",
			"run":      gen,
		}).Debug("Abandoned run exited, leaving workers to the current run")
		return
	}
	p.stopWorkers(time.Duration(p.exitBudget.Load()))
}

// stopWorkers stops both threads against one shared deadline.
func (p *Player) stopWorkers(budget time.Duration) {
	if budget < 0 {
		p.audio.Stop(-1)
		p.video.Stop(-1)
		return
	}
	deadline := time.Now().Add(budget)
	if p.audio.Running() && !p.audio.Stop(max(time.Until(deadline), 0)) {
		logrus.WithFields(logrus.Fields{
			"function": "Player.stopWorkers",
			"budget":   budget.String(),
		}).Warn("Audio thread did not stop in time, abandoning it")
	}
	if p.video.Running() && !p.video.Stop(max(time.Until(deadline), 0)) {
		logrus.WithFields(logrus.Fields{
			"function": "Player.stopWorkers",
			"budget":   budget.String(),
		}).Warn("Video thread did not stop in time, abandoning it")
	}
}

// tick runs one display period and returns the time it slept.
func (p *Player) tick(ctx context.Context) time.Duration {
	reader := p.Reader()
	if reader == nil {
		return p.sleep(ctx, frame.Duration(24))
	}
	info := reader.Info()
	frameTime := frame.Duration(info.FPS)
	if frameTime <= 0 {
		frameTime = frame.Duration(24)
	}

	speed := p.speed.Load()
	if speed == 0 {
		return p.sleep(ctx, frameTime)
	}

	start := p.clock.Now()
	f := p.nextFrame(reader, speed)
	if ctx.Err() != nil {
		// stopped while the read was blocked
		return 0
	}

	if info.HasVideo {
		if err := p.video.Render(ctx, f); err != nil && ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Player.tick",
				"position": p.videoPos.Load(),
				"error":    err.Error(),
			}).Warn("Video handoff failed")
		}
	}

	var drift int64
	if info.HasAudio && info.HasVideo {
		ap := p.audio.Position()
		p.audioPos.Store(ap)
		drift = p.videoPos.Load() - ap
	}

	renderCost := p.clock.Now().Sub(start)
	sleep := CorrectedSleep(frameTime, renderCost, drift)

	p.statusMu.Lock()
	p.ticks++
	if f == nil {
		p.missed++
	}
	p.lastDrift = drift
	p.lastSleep = sleep
	p.lastRender = renderCost
	p.statusMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Player.tick",
		"position": p.videoPos.Load(),
		"drift":    drift,
		"sleep":    sleep.String(),
	}).Debug("Video frame diff")

	return p.sleep(ctx, sleep)
}

// nextFrame advances the position by speed and reads it. Reader faults
// yield nil: no frame this tick.
func (p *Player) nextFrame(reader frame.Reader, speed int64) *frame.Frame {
	pos := p.videoPos.Add(speed)
	f, err := reader.GetFrameSafe(pos)
	if err == nil {
		return f
	}
	entry := logrus.WithFields(logrus.Fields{
		"function": "Player.nextFrame",
		"position": pos,
		"error":    err.Error(),
	})
	if errors.Is(err, frame.ErrFrameUnavailable) {
		entry.Debug("No frame this tick")
	} else {
		entry.Warn("Reader returned an unexpected error")
	}
	return nil
}

func (p *Player) sleep(ctx context.Context, d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	select {
	case <-ctx.Done():
	case <-p.clock.After(d):
	}
	return d
}

// CorrectedSleep returns how long a frame should stay on screen: the frame
// period minus the time spent producing it, plus one period per frame the
// video is ahead of the audio (minus one per frame behind), never negative.
func CorrectedSleep(frameTime, renderCost time.Duration, drift int64) time.Duration {
	sleep := frameTime - renderCost + time.Duration(drift)*frameTime
	if sleep < 0 {
		return 0
	}
	return sleep
}

// Seek jumps both clocks to position. Non-positive positions are ignored.
func (p *Player) Seek(position int64) bool {
	if position <= 0 {
		return false
	}
	p.videoPos.Store(position)
	p.audio.Seek(position)
	return true
}

// SetSpeed sets frames advanced per tick: 1 normal, >1 fast forward,
// negative reverse, 0 pause.
func (p *Player) SetSpeed(speed int) {
	p.speed.Store(int64(speed))
	if r := p.Reader(); r != nil && r.Info().HasAudio {
		p.audio.SetSpeed(speed)
	}
}

// Speed returns the current speed.
func (p *Player) Speed() int {
	return int(p.speed.Load())
}

// Position returns the current video position.
func (p *Player) Position() int64 {
	return p.videoPos.Load()
}

// AudioPosition returns the audio position observed on the last tick.
func (p *Player) AudioPosition() int64 {
	return p.audioPos.Load()
}

// State reports Stopped, Running, or Paused (running at speed 0).
func (p *Player) State() State {
	p.lifeMu.Lock()
	running := p.cancel != nil
	p.lifeMu.Unlock()
	switch {
	case !running:
		return Stopped
	case p.speed.Load() == 0:
		return Paused
	}
	return Running
}

// Status returns a snapshot for display.
func (p *Player) Status() Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return Status{
		State:         p.State().String(),
		VideoPosition: p.videoPos.Load(),
		AudioPosition: p.audioPos.Load(),
		Speed:         int(p.speed.Load()),
		Drift:         p.lastDrift,
		LastSleepMs:   float64(p.lastSleep) / float64(time.Millisecond),
		LastRenderMs:  float64(p.lastRender) / float64(time.Millisecond),
		Ticks:         p.ticks,
		Missed:        p.missed,
	}
}
