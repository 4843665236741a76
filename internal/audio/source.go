package audio

import (
	"errors"
)

// Frame is a fixed-length block of signed 16-bit mono samples.
// Frames are immutable once captured; the ring buffer copies them.
type Frame []int16

// PCMBytes returns the frame as little-endian PCM, the layout every
// recognizer backend consumes.
func (f Frame) PCMBytes() []byte {
	out := make([]byte, len(f)*2)
	for i, s := range f {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// Peak returns the peak absolute amplitude of the frame.
func (f Frame) Peak() int {
	peak := 0
	for _, s := range f {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// Device describes an available input device.
type Device struct {
	ID         int     `json:"id"`
	Name       string  `json:"name"`
	Channels   int     `json:"channels"`
	SampleRate float64 `json:"sample_rate"`
	Default    bool    `json:"default"`
}

// Source delivers PCM frames at the device's natural blocking cadence.
// ReadFrame is the only intentionally blocking point in the steady-state
// loop. Transient driver faults yield a zeroed frame; only fatal device
// loss returns ErrStreamFailed.
type Source interface {
	ReadFrame() (Frame, error)
	Close() error
}

var (
	// ErrDeviceUnavailable means no usable input device exists. Fatal at
	// startup; the process exits with a distinct code.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	// ErrStreamFailed is a fatal mid-run capture fault. The runtime
	// reopens the source with backoff.
	ErrStreamFailed = errors.New("audio stream failed")
)

// FrameLength returns the samples per frame for a rate and duration.
func FrameLength(sampleRate, frameDurationMS int) int {
	return sampleRate * frameDurationMS / 1000
}
