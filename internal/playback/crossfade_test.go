package playback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmoothstepBoundaries(t *testing.T) {
	tests := []struct {
		input float64
		want  float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{1.5, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Smoothstep(tt.input), "Smoothstep(%v)", tt.input)
	}
}

func TestSmoothstepMonotonic(t *testing.T) {
	prev := 0.0
	for i := 1; i <= 100; i++ {
		val := Smoothstep(float64(i) / 100)
		assert.GreaterOrEqual(t, val, prev)
		prev = val
	}
}

func TestSmoothstepSymmetry(t *testing.T) {
	// f(0.5+d) + f(0.5-d) = 1
	for _, d := range []float64{0.1, 0.2, 0.3, 0.4, 0.5} {
		assert.InDelta(t, 1.0, Smoothstep(0.5+d)+Smoothstep(0.5-d), 1e-10)
	}
}

func TestCrossfadeEndpoints(t *testing.T) {
	out := []int16{1000, -1000, 500, -500}
	in := []int16{2000, -2000, 1500, -1500}
	assert.Equal(t, out, CrossfadeFrames(out, in, 0))
	assert.Equal(t, in, CrossfadeFrames(out, in, 1))
}

func TestCrossfadeMidpoint(t *testing.T) {
	// smoothstep(0.5) = 0.5, so the midpoint is the average
	got := CrossfadeFrames([]int16{1000, -1000}, []int16{3000, -3000}, 0.5)
	assert.Equal(t, []int16{2000, -2000}, got)
}

func TestCrossfadeClipping(t *testing.T) {
	got := CrossfadeFrames([]int16{32767, -32768}, []int16{32767, -32768}, 0.5)
	assert.Equal(t, []int16{32767, -32768}, got)
}

func TestCrossfadeTruncatesToShorter(t *testing.T) {
	assert.Len(t, CrossfadeFrames([]int16{1, 2, 3}, []int16{4}, 0.5), 1)
}

func TestRampFrames(t *testing.T) {
	out := []int16{1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000}
	in := []int16{0, 0, 0, 0, 0, 0, 0, 0}

	got := RampFrames(out, in, 2, 0, 1)
	require.Len(t, got, len(in))

	// first sample frame is all outgoing, gain rises per sample frame
	assert.Equal(t, int16(1000), got[0])
	assert.Equal(t, got[0], got[1])
	for i := 2; i < len(got); i += 2 {
		assert.LessOrEqual(t, got[i], got[i-2])
		assert.Equal(t, got[i], got[i+1], "channels stay paired")
	}
	assert.Greater(t, got[6], int16(0))
}

func TestRampFramesKeepsIncomingTail(t *testing.T) {
	got := RampFrames([]int16{5, 5}, []int16{1, 1, 9, 9}, 2, 1, 1)
	assert.Equal(t, []int16{1, 1, 9, 9}, got)
}
