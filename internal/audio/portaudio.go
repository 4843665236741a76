package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// CaptureSource reads frames from a microphone via PortAudio. The device
// handle is exclusively owned by this source for its lifetime.
type CaptureSource struct {
	stream   *portaudio.Stream
	buf      []int16
	log      *slog.Logger
	overruns int
}

// ListDevices enumerates available input devices. Callers may pass any
// returned Name (substring match) or ID as a device selector.
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var devices []Device
	for i, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		devices = append(devices, Device{
			ID:         i,
			Name:       info.Name,
			Channels:   info.MaxInputChannels,
			SampleRate: info.DefaultSampleRate,
			Default:    def != nil && info.Name == def.Name,
		})
	}
	return devices, nil
}

// OpenCapture opens the selected input device and starts the stream.
// An empty selector picks the system default input. A selector is first
// tried as a device index, then as a case-insensitive name substring.
func OpenCapture(selector string, sampleRate, frameLen int, log *slog.Logger) (*CaptureSource, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	info, err := selectInputDevice(selector)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	params := portaudio.HighLatencyParameters(info, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = frameLen

	buf := make([]int16, frameLen)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: open stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start stream: %v", ErrDeviceUnavailable, err)
	}

	log.Info("capture stream opened",
		slog.String("device", info.Name),
		slog.Int("sample_rate", sampleRate),
		slog.Int("frame_len", frameLen))

	return &CaptureSource{stream: stream, buf: buf, log: log}, nil
}

func selectInputDevice(selector string) (*portaudio.DeviceInfo, error) {
	if selector == "" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device", ErrDeviceUnavailable)
		}
		return info, nil
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if idx, err := strconv.Atoi(selector); err == nil {
		if idx < 0 || idx >= len(infos) || infos[idx].MaxInputChannels < 1 {
			return nil, fmt.Errorf("%w: device index %d has no input", ErrDeviceUnavailable, idx)
		}
		return infos[idx], nil
	}
	needle := strings.ToLower(selector)
	for _, info := range infos {
		if info.MaxInputChannels < 1 {
			continue
		}
		if strings.Contains(strings.ToLower(info.Name), needle) {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: no input device matches %q", ErrDeviceUnavailable, selector)
}

// ReadFrame blocks until a full frame is captured. Driver overruns are
// logged and replaced with a zeroed frame so a contiguous dropout never
// tears down the pipeline.
func (c *CaptureSource) ReadFrame() (Frame, error) {
	err := c.stream.Read()
	if err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			c.overruns++
			c.log.Warn("input overflow, substituting silence", slog.Int("overruns", c.overruns))
			return make(Frame, len(c.buf)), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}

	frame := make(Frame, len(c.buf))
	copy(frame, c.buf)
	return frame, nil
}

// Close stops the stream and releases the device.
func (c *CaptureSource) Close() error {
	var errs []error
	if err := c.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := c.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
