package frame

import (
	"errors"
	"fmt"
)

// ErrFrameUnavailable is the common cause of every reader fault. The playback
// loop treats all of them as "no frame this tick".
var ErrFrameUnavailable = errors.New("frame unavailable")

var (
	ErrReaderClosed = fmt.Errorf("%w: reader closed", ErrFrameUnavailable)
	ErrTooManySeeks = fmt.Errorf("%w: too many seeks", ErrFrameUnavailable)
	ErrOutOfBounds  = fmt.Errorf("%w: frame out of bounds", ErrFrameUnavailable)
)

// Info describes a stream a Reader serves.
type Info struct {
	FPS        float64
	Width      int
	Height     int
	HasVideo   bool
	HasAudio   bool
	SampleRate int
	Channels   int
}

// Reader serves frames by index. GetFrameSafe never panics; faults are
// returned as errors wrapping ErrFrameUnavailable.
type Reader interface {
	Info() Info
	GetFrameSafe(index int64) (*Frame, error)
}
