package playback

// Smoothstep returns 3t^2 - 2t^3 for t clamped to [0,1].
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// CrossfadeFrames blends outgoing into incoming at a fixed progress
// (0 = all outgoing, 1 = all incoming). The result has the length of the
// shorter input.
func CrossfadeFrames(outgoing, incoming []int16, progress float64) []int16 {
	gain := Smoothstep(progress)
	n := min(len(outgoing), len(incoming))
	result := make([]int16, n)
	for i := 0; i < n; i++ {
		result[i] = clip16(float64(outgoing[i])*(1-gain) + float64(incoming[i])*gain)
	}
	return result
}

// RampFrames blends outgoing into incoming with progress rising per sample
// frame from `from` to `to`, so a declick spread over several frames has no
// step at frame boundaries.
func RampFrames(outgoing, incoming []int16, channels int, from, to float64) []int16 {
	if channels < 1 {
		channels = 1
	}
	n := min(len(outgoing), len(incoming))
	frames := n / channels
	result := make([]int16, len(incoming))
	copy(result, incoming)
	for i := 0; i < frames; i++ {
		gain := Smoothstep(from + (to-from)*float64(i)/float64(frames))
		for ch := 0; ch < channels; ch++ {
			k := i*channels + ch
			result[k] = clip16(float64(outgoing[k])*(1-gain) + float64(incoming[k])*gain)
		}
	}
	return result
}

func clip16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
