package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/framesync/internal/frame"
)

func newTestReader(t *testing.T, workers int) (*Pipeline, *Reader) {
	t.Helper()
	p := newTestPipeline(t, workers)
	r := NewReader(p, ReaderConfig{
		FPS:      24,
		Width:    4,
		Height:   2,
		HasAudio: true,
		Wait:     50 * time.Millisecond,
		MaxAhead: 16,
	})
	return p, r
}

func TestReaderInfo(t *testing.T) {
	_, r := newTestReader(t, 1)
	info := r.Info()
	assert.Equal(t, 24.0, info.FPS)
	assert.True(t, info.HasVideo)
	assert.True(t, info.HasAudio)
	assert.Equal(t, frame.SampleRate, info.SampleRate)
	assert.Equal(t, frame.Channels, info.Channels)
}

func TestReaderServesSameIndexTwice(t *testing.T) {
	p, r := newTestReader(t, 2)
	for i := 0; i < 4; i++ {
		require.NoError(t, p.FrameArrived(rawFrame(128)))
	}

	f1, err := r.GetFrameSafe(2)
	require.NoError(t, err)
	f2, err := r.GetFrameSafe(2)
	require.NoError(t, err)
	assert.Same(t, f1, f2)

	f0, err := r.GetFrameSafe(0)
	require.NoError(t, err, "earlier indexes pulled on the way stay readable")
	assert.Equal(t, int64(0), f0.Index)
}

func TestReaderConcurrentConsumers(t *testing.T) {
	p, r := newTestReader(t, 2)
	for i := 0; i < 10; i++ {
		require.NoError(t, p.FrameArrived(rawFrame(128)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < 10; i++ {
				f, err := r.GetFrameSafe(i)
				if assert.NoError(t, err) {
					assert.Equal(t, i, f.Index)
				}
			}
		}()
	}
	wg.Wait()
}

func TestReaderFaults(t *testing.T) {
	p, r := newTestReader(t, 1)
	require.NoError(t, p.FrameArrived(rawFrame(failMarker)))
	require.NoError(t, p.FrameArrived(rawFrame(128)))

	_, err := r.GetFrameSafe(-1)
	assert.ErrorIs(t, err, frame.ErrOutOfBounds)

	_, err = r.GetFrameSafe(0)
	assert.ErrorIs(t, err, frame.ErrOutOfBounds, "conversion hole")

	_, err = r.GetFrameSafe(100)
	assert.ErrorIs(t, err, frame.ErrTooManySeeks)

	_, err = r.GetFrameSafe(5)
	assert.ErrorIs(t, err, frame.ErrOutOfBounds, "not captured within the wait bound")
	assert.ErrorIs(t, err, frame.ErrFrameUnavailable)

	r.Close()
	_, err = r.GetFrameSafe(1)
	assert.ErrorIs(t, err, frame.ErrReaderClosed)
}

func TestReaderPipelineClosed(t *testing.T) {
	p, r := newTestReader(t, 4)
	p.Close()
	_, err := r.GetFrameSafe(3)
	assert.ErrorIs(t, err, frame.ErrReaderClosed)
}
