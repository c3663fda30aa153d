package stream

import (
	"encoding/binary"

	"github.com/satindergrewal/framesync/internal/frame"
)

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// streamingSize marks an open-ended RIFF/data chunk.
const streamingSize = 0xFFFFFFFF

// WAVHeader returns a 44-byte PCM header for a stream of unknown length.
func WAVHeader(sampleRate, channels int) []byte {
	blockAlign := channels * frame.BitDepth / 8
	h := make([]byte, 44)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], streamingSize)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], frame.BitDepth)
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], streamingSize)
	return h
}

// rechunker re-frames a stream of arbitrarily sized PCM chunks into
// fixed-size frames of size interleaved samples.
type rechunker struct {
	size int
	buf  []int16
}

func newRechunker(size int) *rechunker {
	return &rechunker{size: size, buf: make([]int16, 0, size*2)}
}

// push appends samples and returns every complete frame now available.
func (r *rechunker) push(samples []int16) [][]int16 {
	r.buf = append(r.buf, samples...)
	var out [][]int16
	n := 0
	for len(r.buf)-n >= r.size {
		f := make([]int16, r.size)
		copy(f, r.buf[n:n+r.size])
		out = append(out, f)
		n += r.size
	}
	r.buf = append(r.buf[:0], r.buf[n:]...)
	return out
}

// pending returns how many samples are waiting for a full frame.
func (r *rechunker) pending() int {
	return len(r.buf)
}
