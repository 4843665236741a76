package audio

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-audio/wav"
)

// ReplaySource serves frames from a WAV file instead of a live device.
// Used for offline runs and pipeline tests. ReadFrame returns io.EOF
// once the file is exhausted, which the runtime treats as a clean stop.
type ReplaySource struct {
	samples  []int16
	pos      int
	frameLen int
	file     *os.File
}

// OpenReplay loads path and prepares frameLen-sample frames. Stereo
// files are downmixed to mono by averaging channels.
func OpenReplay(path string, sampleRate, frameLen int, log *slog.Logger) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: decode wav: %v", ErrDeviceUnavailable, err)
	}
	if buf.Format == nil || buf.Format.SampleRate != sampleRate {
		f.Close()
		return nil, fmt.Errorf("%w: wav sample rate mismatch (want %d)", ErrDeviceUnavailable, sampleRate)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	samples := make([]int16, 0, len(buf.Data)/channels)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i+c]
		}
		samples = append(samples, int16(sum/channels))
	}

	log.Info("replay source opened",
		slog.String("path", path),
		slog.Int("samples", len(samples)),
		slog.Int("channels", channels))

	return &ReplaySource{samples: samples, frameLen: frameLen, file: f}, nil
}

func (r *ReplaySource) ReadFrame() (Frame, error) {
	if r.pos >= len(r.samples) {
		return nil, io.EOF
	}
	end := r.pos + r.frameLen
	if end > len(r.samples) {
		end = len(r.samples)
	}
	frame := make(Frame, r.frameLen)
	copy(frame, r.samples[r.pos:end])
	r.pos = end
	return frame, nil
}

func (r *ReplaySource) Close() error {
	return r.file.Close()
}
