package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/framesync/internal/frame"
)

// fakeClock advances by step on every Now call and records every After
// request, firing immediately.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	step  time.Duration
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

// fakeReader serves frames 0..count-1 with audio samples equal to the index.
type fakeReader struct {
	info  frame.Info
	count int64
	err   error

	mu        sync.Mutex
	requested []int64
}

func newFakeReader(fps float64, video, audio bool) *fakeReader {
	return &fakeReader{
		info: frame.Info{
			FPS:        fps,
			Width:      4,
			Height:     2,
			HasVideo:   video,
			HasAudio:   audio,
			SampleRate: frame.SampleRate,
			Channels:   frame.Channels,
		},
		count: 1 << 20,
	}
}

func (r *fakeReader) Info() frame.Info { return r.info }

func (r *fakeReader) GetFrameSafe(index int64) (*frame.Frame, error) {
	r.mu.Lock()
	r.requested = append(r.requested, index)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if index < 0 || index >= r.count {
		return nil, frame.ErrOutOfBounds
	}
	f := &frame.Frame{Index: index}
	if r.info.HasAudio {
		n := frame.SamplesPerFrame(r.info.SampleRate, r.info.FPS) * r.info.Channels
		samples := make([]int16, n)
		for i := range samples {
			samples[i] = int16(index)
		}
		f.Audio = &frame.AudioBuffer{SampleRate: r.info.SampleRate, Channels: r.info.Channels, Samples: samples}
	}
	return f, nil
}

func (r *fakeReader) lastRequested() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requested) == 0 {
		return -1
	}
	return r.requested[len(r.requested)-1]
}

type fakeAudio struct {
	mu       sync.Mutex
	reader   frame.Reader
	speed    int
	position int64
	seeks    []int64
	speeds   []int
	running  bool
	starts   int
	stops    int
}

func (a *fakeAudio) SetReader(r frame.Reader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reader = r
}

func (a *fakeAudio) SetSpeed(speed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.speed = speed
	a.speeds = append(a.speeds, speed)
}

func (a *fakeAudio) Seek(position int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.position = position
	a.seeks = append(a.seeks, position)
}

func (a *fakeAudio) Position() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

func (a *fakeAudio) setPosition(position int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.position = position
}

func (a *fakeAudio) Start() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = true
	a.starts++
	return true
}

func (a *fakeAudio) Stop(time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.stops++
	return true
}

func (a *fakeAudio) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

type fakeVideo struct {
	mu      sync.Mutex
	running bool
	starts  int
	frames  []*frame.Frame
}

func (v *fakeVideo) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.running = true
	v.starts++
}

func (v *fakeVideo) Stop(time.Duration) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.running = false
	return true
}

func (v *fakeVideo) Running() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running
}

func (v *fakeVideo) Render(_ context.Context, f *frame.Frame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frames = append(v.frames, f)
	return nil
}

func (v *fakeVideo) rendered() []*frame.Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*frame.Frame(nil), v.frames...)
}

func newTestPlayer(r frame.Reader) (*Player, *fakeAudio, *fakeVideo, *fakeClock) {
	audio := &fakeAudio{}
	video := &fakeVideo{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	p := NewPlayer(audio, video, Config{Clock: clock})
	if r != nil {
		p.SetReader(r)
	}
	return p, audio, video, clock
}

func TestCorrectedSleep(t *testing.T) {
	ft := frame.Duration(24)
	tests := []struct {
		name       string
		renderCost time.Duration
		drift      int64
		want       time.Duration
	}{
		{"in sync", 0, 0, ft},
		{"render cost subtracted", 10 * time.Millisecond, 0, ft - 10*time.Millisecond},
		{"one frame ahead", 0, 1, 2 * ft},
		{"two frames ahead", 0, 2, 3 * ft},
		{"one frame behind", 0, -1, 0},
		{"far behind clamps", 0, -5, 0},
		{"slow render clamps", 2 * ft, 0, 0},
		{"ahead with cost", 5 * time.Millisecond, 1, 2*ft - 5*time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CorrectedSleep(ft, tt.renderCost, tt.drift))
		})
	}
}

func TestTickInSync(t *testing.T) {
	r := newFakeReader(24, true, true)
	p, audio, video, clock := newTestPlayer(r)
	audio.setPosition(1)

	slept := p.tick(context.Background())

	assert.Equal(t, frame.Duration(24), slept)
	assert.InDelta(t, 41.666, float64(slept)/float64(time.Millisecond), 0.001)
	assert.Equal(t, int64(1), p.Position())
	assert.Equal(t, int64(1), r.lastRequested())
	require.Len(t, video.rendered(), 1)
	assert.Equal(t, int64(1), video.rendered()[0].Index)
	assert.Equal(t, []time.Duration{frame.Duration(24)}, clock.sleeps())
}

func TestTickVideoAheadSleepsLonger(t *testing.T) {
	r := newFakeReader(24, true, true)
	p, audio, _, _ := newTestPlayer(r)
	audio.setPosition(-1)

	slept := p.tick(context.Background())

	assert.Equal(t, int64(2), p.Status().Drift)
	assert.Equal(t, 3*frame.Duration(24), slept)
	assert.InDelta(t, 125.0, float64(slept)/float64(time.Millisecond), 0.001)
}

func TestTickVideoBehindDoesNotSleep(t *testing.T) {
	r := newFakeReader(24, true, true)
	p, audio, _, clock := newTestPlayer(r)
	audio.setPosition(5)

	slept := p.tick(context.Background())

	assert.Equal(t, time.Duration(0), slept)
	assert.Empty(t, clock.sleeps())
	assert.Equal(t, int64(-4), p.Status().Drift)
}

func TestTickSubtractsRenderCost(t *testing.T) {
	r := newFakeReader(24, true, true)
	p, audio, _, clock := newTestPlayer(r)
	clock.step = 10 * time.Millisecond
	audio.setPosition(1)

	slept := p.tick(context.Background())

	assert.Equal(t, frame.Duration(24)-10*time.Millisecond, slept)
	assert.InDelta(t, 10.0, p.Status().LastRenderMs, 0.001)
}

func TestTickPausedHoldsPosition(t *testing.T) {
	r := newFakeReader(24, true, true)
	p, _, video, _ := newTestPlayer(r)
	require.True(t, p.Seek(7))
	p.SetSpeed(0)

	for i := 0; i < 3; i++ {
		assert.Equal(t, frame.Duration(24), p.tick(context.Background()))
	}

	assert.Equal(t, int64(7), p.Position())
	assert.Empty(t, video.rendered())
	assert.Equal(t, int64(-1), r.lastRequested())
}

func TestTickReaderFaultRendersNothing(t *testing.T) {
	r := newFakeReader(24, true, false)
	r.err = frame.ErrTooManySeeks
	p, _, video, _ := newTestPlayer(r)

	slept := p.tick(context.Background())

	assert.Equal(t, frame.Duration(24), slept)
	require.Len(t, video.rendered(), 1)
	assert.Nil(t, video.rendered()[0])
	assert.Equal(t, uint64(1), p.Status().Missed)
	assert.Equal(t, int64(1), p.Position())
}

func TestTickReverseAndFastForward(t *testing.T) {
	r := newFakeReader(24, true, false)
	p, _, _, _ := newTestPlayer(r)
	require.True(t, p.Seek(10))

	p.SetSpeed(-1)
	p.tick(context.Background())
	assert.Equal(t, int64(9), p.Position())
	assert.Equal(t, int64(9), r.lastRequested())

	p.SetSpeed(3)
	p.tick(context.Background())
	assert.Equal(t, int64(12), p.Position())
	assert.Equal(t, int64(12), r.lastRequested())
}

func TestTickVideoOnlyIgnoresAudioClock(t *testing.T) {
	r := newFakeReader(24, true, false)
	p, audio, _, _ := newTestPlayer(r)
	audio.setPosition(100)

	assert.Equal(t, frame.Duration(24), p.tick(context.Background()))
	assert.Equal(t, int64(0), p.Status().Drift)
}

func TestTickAudioOnlySkipsRender(t *testing.T) {
	r := newFakeReader(24, false, true)
	p, _, video, _ := newTestPlayer(r)

	assert.Equal(t, frame.Duration(24), p.tick(context.Background()))
	assert.Empty(t, video.rendered())
	assert.Equal(t, int64(1), p.Position())
}

func TestSeekIgnoresNonPositive(t *testing.T) {
	p, audio, _, _ := newTestPlayer(newFakeReader(24, true, true))

	assert.False(t, p.Seek(0))
	assert.False(t, p.Seek(-3))
	assert.Equal(t, int64(0), p.Position())
	assert.Empty(t, audio.seeks)

	assert.True(t, p.Seek(42))
	assert.Equal(t, int64(42), p.Position())
	assert.Equal(t, []int64{42}, audio.seeks)
}

func TestSetSpeedForwardsToAudio(t *testing.T) {
	p, audio, _, _ := newTestPlayer(newFakeReader(24, true, true))
	p.SetSpeed(2)
	assert.Equal(t, 2, p.Speed())
	assert.Equal(t, []int{2}, audio.speeds)

	silent, silentAudio, _, _ := newTestPlayer(newFakeReader(24, true, false))
	silent.SetSpeed(2)
	assert.Equal(t, 2, silent.Speed())
	assert.Empty(t, silentAudio.speeds)
}

func TestStartRequiresReader(t *testing.T) {
	p, _, _, _ := newTestPlayer(nil)
	assert.False(t, p.Start())
	assert.Equal(t, Stopped, p.State())
}

func TestStartRejectsNegativePosition(t *testing.T) {
	r := newFakeReader(24, true, false)
	p, _, _, _ := newTestPlayer(r)
	p.SetSpeed(-1)
	p.tick(context.Background())
	require.Equal(t, int64(-1), p.Position())

	assert.False(t, p.Start())
	assert.Equal(t, Stopped, p.State())
}

func TestStartStopLifecycle(t *testing.T) {
	r := newFakeReader(500, true, true)
	audio := &fakeAudio{}
	video := &fakeVideo{}
	p := NewPlayer(audio, video, Config{})
	p.SetReader(r)
	require.True(t, p.Seek(3))

	require.True(t, p.Start())
	assert.Equal(t, Running, p.State())
	assert.Eventually(t, func() bool { return len(video.rendered()) >= 3 }, time.Second, time.Millisecond)
	assert.True(t, audio.Running())
	audio.mu.Lock()
	assert.Contains(t, audio.seeks, int64(3))
	audio.mu.Unlock()

	p.SetSpeed(0)
	assert.Equal(t, Paused, p.State())
	p.SetSpeed(1)

	assert.True(t, p.Stop(time.Second))
	assert.Equal(t, Stopped, p.State())
	assert.False(t, audio.Running())
	assert.False(t, video.Running())
	assert.Greater(t, p.Position(), int64(3))

	// stopping twice is harmless
	assert.True(t, p.Stop(time.Second))
}

func TestRestartStopsPreviousRun(t *testing.T) {
	r := newFakeReader(500, true, true)
	audio := &fakeAudio{}
	video := &fakeVideo{}
	p := NewPlayer(audio, video, Config{})
	p.SetReader(r)

	require.True(t, p.Start())
	require.True(t, p.Start())
	assert.Eventually(t, func() bool { return audio.Running() }, time.Second, time.Millisecond)
	assert.True(t, p.Stop(time.Second))

	audio.mu.Lock()
	defer audio.mu.Unlock()
	assert.Equal(t, 2, audio.starts)
	assert.GreaterOrEqual(t, audio.stops, 2)
}

// stallingReader blocks its first read until release is closed.
type stallingReader struct {
	*fakeReader
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newStallingReader(fps float64) *stallingReader {
	return &stallingReader{
		fakeReader: newFakeReader(fps, true, true),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (r *stallingReader) GetFrameSafe(index int64) (*frame.Frame, error) {
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.entered)
		<-r.release
	}
	return r.fakeReader.GetFrameSafe(index)
}

func TestStopReturnsWithinBudgetWhileReadBlocks(t *testing.T) {
	r := newStallingReader(500)
	defer close(r.release)
	p := NewPlayer(&fakeAudio{}, &fakeVideo{}, Config{})
	p.SetReader(r)

	require.True(t, p.Start())
	<-r.entered

	start := time.Now()
	assert.False(t, p.Stop(50*time.Millisecond))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, Stopped, p.State())
}

func TestAbandonedRunLeavesNewRunWorkers(t *testing.T) {
	r := newStallingReader(500)
	audio := &fakeAudio{}
	video := &fakeVideo{}
	p := NewPlayer(audio, video, Config{StopTimeout: 50 * time.Millisecond})
	p.SetReader(r)

	require.True(t, p.Start())
	<-r.entered
	require.False(t, p.Stop(50*time.Millisecond))

	require.True(t, p.Start())
	require.Eventually(t, func() bool { return audio.Running() && video.Running() }, time.Second, time.Millisecond)

	close(r.release)
	assert.Never(t, func() bool {
		return !audio.Running() || !video.Running()
	}, 200*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, Running, p.State())

	assert.True(t, p.Stop(time.Second))
	assert.False(t, audio.Running())
	assert.False(t, video.Running())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "paused", Paused.String())
}
